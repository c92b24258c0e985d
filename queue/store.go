package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"auto_feed_publisher/model"
)

// ErrNotFound is returned for operations on an unknown item id.
var ErrNotFound = errors.New("scheduled item not found")

// Store is the durable queue of scheduled items. It is the only place that
// computes publication slots.
type Store struct {
	db     *gorm.DB
	logger *log.Logger
	manual DelayRange

	// mu serialises slot allocation and guards rng.
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRand makes delay draws deterministic.
func WithRand(rng *rand.Rand) Option {
	return func(s *Store) { s.rng = rng }
}

// WithManualDelay overrides the default range used for user-added items.
func WithManualDelay(r DelayRange) Option {
	return func(s *Store) { s.manual = r.Normalize() }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: log.Default(),
		manual: ManualDelay,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// Enqueue stores item with a slot r minutes after the latest pending item
// and returns its id.
func (s *Store) Enqueue(ctx context.Context, item *model.ScheduledItem, r DelayRange) (string, error) {
	if item == nil {
		return "", errors.New("nil item")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	minutes := r.draw(s.rng)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := latestPending(tx, "")
		if err != nil {
			return err
		}
		now := s.clock()
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.Status = model.StatusPending
		item.PublishMode = item.PublishMode.OrDefault()
		item.ScheduledAt = nextSlot(latest, now, minutes)
		item.Error = ""
		item.FailedAt = nil
		item.CreatedAt = now
		item.UpdatedAt = now
		return tx.Create(item).Error
	})
	if err != nil {
		return "", fmt.Errorf("enqueue item: %w", err)
	}
	s.logger.Printf("[QUEUE] enqueued %s %q at %s (+%d min)", item.ID, item.Title, item.ScheduledAt.Format(time.RFC3339), minutes)
	return item.ID, nil
}

// EnqueueManual adds a user-created item. A nil range uses the manual default.
func (s *Store) EnqueueManual(ctx context.Context, item *model.ScheduledItem, r *DelayRange) (string, error) {
	rng := s.manual
	if r != nil {
		rng = r.Normalize()
	}
	item.CycleID = nil
	return s.Enqueue(ctx, item, rng)
}

// NextDue returns the oldest-created pending item whose slot has passed, or
// nil when nothing is due.
func (s *Store) NextDue(ctx context.Context) (*model.ScheduledItem, error) {
	var item model.ScheduledItem
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", model.StatusPending, s.clock()).
		Order("created_at ASC").
		Order("id ASC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find next due item: %w", err)
	}
	return &item, nil
}

// MarkPublished removes a published item. No publish history is kept.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	if err := s.Delete(ctx, id); err != nil {
		return fmt.Errorf("mark %s published: %w", id, err)
	}
	return nil
}

// MarkFailed keeps the item for an operator to reschedule or delete.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	now := s.clock()
	return s.updates(ctx, id, map[string]any{
		"status":     model.StatusFailed,
		"error":      reason,
		"failed_at":  now,
		"updated_at": now,
	})
}

// Reschedule moves an item behind every other pending item and resets it to
// pending. A nil delay draws from the manual range.
func (s *Store) Reschedule(ctx context.Context, id string, delayMinutes *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	minutes := 0
	if delayMinutes != nil {
		minutes = min(max(*delayMinutes, 0), MaxDelayMinutes)
	} else {
		minutes = s.manual.draw(s.rng)
	}

	var slot time.Time
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireItem(tx, id); err != nil {
			return err
		}
		latest, err := latestPending(tx, id)
		if err != nil {
			return err
		}
		now := s.clock()
		slot = nextSlot(latest, now, minutes)
		return tx.Model(&model.ScheduledItem{}).Where("id = ?", id).Updates(map[string]any{
			"scheduled_at": slot,
			"status":       model.StatusPending,
			"error":        "",
			"failed_at":    nil,
			"updated_at":   now,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("reschedule %s: %w", id, err)
	}
	s.logger.Printf("[QUEUE] rescheduled %s to %s (+%d min)", id, slot.Format(time.RFC3339), minutes)
	return nil
}

// Update edits the payload of an item. Nil fields are left unchanged.
func (s *Store) Update(ctx context.Context, id string, title, body *string) error {
	fields := map[string]any{}
	if title != nil {
		fields["title"] = *title
	}
	if body != nil {
		fields["body"] = *body
	}
	if len(fields) == 0 {
		return errors.New("nothing to update")
	}
	fields["updated_at"] = s.clock()
	return s.updates(ctx, id, fields)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.ScheduledItem{})
	if res.Error != nil {
		return fmt.Errorf("delete %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingByCycle cancels everything a cycle still has queued.
func (s *Store) DeletePendingByCycle(ctx context.Context, cycleID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("cycle_id = ? AND status = ?", cycleID, model.StatusPending).
		Delete(&model.ScheduledItem{})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel items of cycle %s: %w", cycleID, res.Error)
	}
	return res.RowsAffected, nil
}

// HasOutstanding reports whether a cycle has any pending or failed item.
func (s *Store) HasOutstanding(ctx context.Context, cycleID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.ScheduledItem{}).Where("cycle_id = ?", cycleID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count items of cycle %s: %w", cycleID, err)
	}
	return n > 0, nil
}

// CountByCycle counts a cycle's items in the given status.
func (s *Store) CountByCycle(ctx context.Context, cycleID string, status model.ItemStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.ScheduledItem{}).
		Where("cycle_id = ? AND status = ?", cycleID, status).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count %s items of cycle %s: %w", status, cycleID, err)
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.ScheduledItem, error) {
	var item model.ScheduledItem
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return &item, nil
}

// List returns items with the given status in slot order. An empty status
// lists everything.
func (s *Store) List(ctx context.Context, status model.ItemStatus) ([]model.ScheduledItem, error) {
	q := s.db.WithContext(ctx).Order("scheduled_at ASC").Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var items []model.ScheduledItem
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *Store) ListPending(ctx context.Context) ([]model.ScheduledItem, error) {
	return s.List(ctx, model.StatusPending)
}

func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.count(ctx, model.StatusPending)
}

func (s *Store) FailedCount(ctx context.Context) (int64, error) {
	return s.count(ctx, model.StatusFailed)
}

func (s *Store) count(ctx context.Context, status model.ItemStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.ScheduledItem{}).Where("status = ?", status).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count %s items: %w", status, err)
	}
	return n, nil
}

func (s *Store) updates(ctx context.Context, id string, fields map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireItem(tx, id); err != nil {
			return err
		}
		if err := tx.Model(&model.ScheduledItem{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
		return nil
	})
}

func requireItem(tx *gorm.DB, id string) error {
	var n int64
	if err := tx.Model(&model.ScheduledItem{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// latestPending returns the latest slot among pending items, ignoring
// excludeID, or nil when none is pending.
func latestPending(tx *gorm.DB, excludeID string) (*time.Time, error) {
	q := tx.Model(&model.ScheduledItem{}).Where("status = ?", model.StatusPending)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var item model.ScheduledItem
	err := q.Order("scheduled_at DESC").Limit(1).Find(&item).Error
	if err != nil {
		return nil, fmt.Errorf("find latest pending slot: %w", err)
	}
	if item.ID == "" {
		return nil, nil
	}
	t := item.ScheduledAt
	return &t, nil
}
