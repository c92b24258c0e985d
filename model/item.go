package model

import "time"

// ItemStatus is the lifecycle state of a scheduled item. Published items are
// deleted, so there is no published state.
type ItemStatus string

const (
	StatusPending ItemStatus = "pending"
	StatusFailed  ItemStatus = "failed"
)

// PublishMode controls how a post is attributed on the feed.
type PublishMode string

const (
	PublishAnonymous  PublishMode = "anonymous"
	PublishAttributed PublishMode = "attributed"
)

// Valid reports whether m is a known mode.
func (m PublishMode) Valid() bool {
	return m == PublishAnonymous || m == PublishAttributed
}

// OrDefault returns m, or anonymous when m is empty or unknown.
func (m PublishMode) OrDefault() PublishMode {
	if m.Valid() {
		return m
	}
	return PublishAnonymous
}

// Target is where a post lands: a topic (id + category), a topic link, or
// nowhere in particular.
type Target struct {
	TopicID   string `gorm:"column:topic_id;size:64" json:"topic_id,omitempty"`
	Category  string `gorm:"column:category;size:32" json:"category,omitempty"`
	TopicName string `gorm:"column:topic_name;size:255" json:"topic_name,omitempty"`
	TopicLink string `gorm:"column:topic_link;size:1024" json:"topic_link,omitempty"`
}

type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetTopic
	TargetLink
)

// Kind picks the most specific reference available.
func (t Target) Kind() TargetKind {
	switch {
	case t.TopicID != "" && t.Category != "":
		return TargetTopic
	case t.TopicLink != "":
		return TargetLink
	default:
		return TargetNone
	}
}

// ScheduledItem is one post waiting in the queue.
type ScheduledItem struct {
	ID          string      `gorm:"column:id;size:64;primaryKey" json:"id"`
	Title       string      `gorm:"column:title;size:512" json:"title"`
	Body        string      `gorm:"column:body;type:text" json:"body"`
	Target      Target      `gorm:"embedded" json:"target"`
	PublishMode PublishMode `gorm:"column:publish_mode;size:16;not null;default:anonymous" json:"publish_mode"`
	CycleID     *string     `gorm:"column:cycle_id;size:64;index:idx_items_cycle" json:"cycle_id,omitempty"`
	Status      ItemStatus  `gorm:"column:status;size:16;not null;index:idx_items_status_sched,priority:1" json:"status"`
	ScheduledAt time.Time   `gorm:"column:scheduled_at;not null;index:idx_items_status_sched,priority:2" json:"scheduled_at"`
	Error       string      `gorm:"column:error;type:text" json:"error,omitempty"`
	FailedAt    *time.Time  `gorm:"column:failed_at" json:"failed_at,omitempty"`
	CreatedAt   time.Time   `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (ScheduledItem) TableName() string {
	return "scheduled_items"
}

// Tagged reports whether the item belongs to a generation cycle.
func (i ScheduledItem) Tagged() bool {
	return i.CycleID != nil && *i.CycleID != ""
}
