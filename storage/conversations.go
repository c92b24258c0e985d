package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"auto_feed_publisher/model"
)

// ConversationRepository persists the running model context of each cycle.
type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// FindByCycle returns the latest conversation of a cycle, or ErrNotFound.
func (r *ConversationRepository) FindByCycle(ctx context.Context, cycleID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).
		Where("cycle_id = ?", cycleID).
		Order("created_at DESC").
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation of cycle %s: %w", cycleID, err)
	}
	return &conv, nil
}

func (r *ConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return fmt.Errorf("create conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Save writes back the turns of an existing conversation.
func (r *ConversationRepository) Save(ctx context.Context, conv *model.Conversation) error {
	res := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ?", conv.ID).
		Updates(map[string]any{"turns": conv.Turns})
	if res.Error != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", conv.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("lookup conversation %s: %w", conv.ID, err)
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	return nil
}
