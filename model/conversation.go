package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a running conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"content"`
}

// Conversation keeps the model context of one generation cycle across rounds.
type Conversation struct {
	ID        string         `gorm:"column:id;size:64;primaryKey" json:"id"`
	TopicID   string         `gorm:"column:topic_id;size:64;index" json:"topic_id"`
	CycleID   string         `gorm:"column:cycle_id;size:64;index" json:"cycle_id"`
	Turns     datatypes.JSON `gorm:"column:turns" json:"turns"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Messages decodes the stored turns. An empty column yields no turns.
func (c Conversation) Messages() ([]Turn, error) {
	if len(c.Turns) == 0 {
		return nil, nil
	}
	var turns []Turn
	if err := json.Unmarshal(c.Turns, &turns); err != nil {
		return nil, fmt.Errorf("decode turns of conversation %s: %w", c.ID, err)
	}
	return turns, nil
}

// SetMessages replaces the stored turns.
func (c *Conversation) SetMessages(turns []Turn) error {
	if turns == nil {
		turns = []Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode turns of conversation %s: %w", c.ID, err)
	}
	c.Turns = datatypes.JSON(data)
	return nil
}
