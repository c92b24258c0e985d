package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"auto_feed_publisher/model"
)

// ErrNotFound is returned when a cycle or conversation does not exist.
var ErrNotFound = errors.New("record not found")

// CycleRepository persists generation cycles.
type CycleRepository struct {
	db *gorm.DB
}

func NewCycleRepository(db *gorm.DB) *CycleRepository {
	return &CycleRepository{db: db}
}

func (r *CycleRepository) Create(ctx context.Context, c *model.GenerationCycle) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create cycle %s: %w", c.ID, err)
	}
	return nil
}

func (r *CycleRepository) Get(ctx context.Context, id string) (*model.GenerationCycle, error) {
	var c model.GenerationCycle
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cycle %s: %w", id, err)
	}
	return &c, nil
}

func (r *CycleRepository) List(ctx context.Context) ([]model.GenerationCycle, error) {
	var cycles []model.GenerationCycle
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&cycles).Error; err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	return cycles, nil
}

// ListActive returns active cycles that have not reached their cap.
func (r *CycleRepository) ListActive(ctx context.Context) ([]model.GenerationCycle, error) {
	var cycles []model.GenerationCycle
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("max_posts = ? OR posts_emitted < max_posts", model.Unbounded).
		Order("created_at ASC").
		Find(&cycles).Error
	if err != nil {
		return nil, fmt.Errorf("list active cycles: %w", err)
	}
	return cycles, nil
}

func (r *CycleRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.updates(ctx, id, map[string]any{"is_active": active})
}

// RecordPublished bumps the post counter and stamps the publish time in one
// statement so concurrent callers never lose an increment.
func (r *CycleRepository) RecordPublished(ctx context.Context, id string, at time.Time) error {
	return r.updates(ctx, id, map[string]any{
		"posts_emitted":     gorm.Expr("posts_emitted + 1"),
		"last_published_at": at,
	})
}

func (r *CycleRepository) ResetCounters(ctx context.Context, id string) error {
	return r.updates(ctx, id, map[string]any{"posts_emitted": 0})
}

func (r *CycleRepository) updates(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.GenerationCycle{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update cycle %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports changed rows, not matched ones
		return r.exists(ctx, id)
	}
	return nil
}

func (r *CycleRepository) exists(ctx context.Context, id string) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.GenerationCycle{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("lookup cycle %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
