package model

import "time"

// Unbounded is the MaxPosts value for cycles without a post cap.
const Unbounded = -1

// GenerationCycle is the standing auto-publish configuration of one topic.
type GenerationCycle struct {
	ID                 string      `gorm:"column:id;size:64;primaryKey" json:"id"`
	TopicID            string      `gorm:"column:topic_id;size:64;not null;index" json:"topic_id"`
	TopicCategory      string      `gorm:"column:topic_category;size:32" json:"topic_category"`
	TopicName          string      `gorm:"column:topic_name;size:255" json:"topic_name"`
	PromptKey          string      `gorm:"column:prompt_key;size:128" json:"prompt_key,omitempty"`
	MaxPosts           int         `gorm:"column:max_posts;not null" json:"max_posts"`
	PostsEmitted       int         `gorm:"column:posts_emitted;not null;default:0" json:"posts_emitted"`
	IsActive           bool        `gorm:"column:is_active;not null;default:false;index" json:"is_active"`
	MinIntervalMinutes int         `gorm:"column:min_interval_minutes;not null;default:30" json:"min_interval_minutes"`
	MaxIntervalMinutes int         `gorm:"column:max_interval_minutes;not null;default:60" json:"max_interval_minutes"`
	PublishMode        PublishMode `gorm:"column:publish_mode;size:16;not null;default:anonymous" json:"publish_mode"`
	LastPublishedAt    *time.Time  `gorm:"column:last_published_at" json:"last_published_at,omitempty"`
	CreatedAt          time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (GenerationCycle) TableName() string {
	return "generation_cycles"
}

// CapReached reports whether the cycle may not emit any more posts.
func (c GenerationCycle) CapReached() bool {
	return c.MaxPosts != Unbounded && c.PostsEmitted >= c.MaxPosts
}

// Target is where items generated by this cycle are published.
func (c GenerationCycle) Target() Target {
	return Target{
		TopicID:   c.TopicID,
		Category:  c.TopicCategory,
		TopicName: c.TopicName,
	}
}
