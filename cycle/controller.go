package cycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"auto_feed_publisher/errtrack"
	"auto_feed_publisher/generator"
	"auto_feed_publisher/metrics"
	"auto_feed_publisher/model"
	"auto_feed_publisher/queue"
	"auto_feed_publisher/storage"
)

var (
	ErrNotFound    = errors.New("cycle not found")
	ErrInactive    = errors.New("cycle is not active")
	ErrCapReached  = errors.New("cycle reached its post cap")
	ErrConfig      = errors.New("cycle configuration error")
	ErrGeneration  = errors.New("generation failed")
	ErrOutstanding = errors.New("cycle already has a queued item")
)

// Queue is the part of the queue store a cycle writes to.
type Queue interface {
	Enqueue(ctx context.Context, item *model.ScheduledItem, r queue.DelayRange) (string, error)
	DeletePendingByCycle(ctx context.Context, cycleID string) (int64, error)
	HasOutstanding(ctx context.Context, cycleID string) (bool, error)
	CountByCycle(ctx context.Context, cycleID string, status model.ItemStatus) (int64, error)
}

// Generator runs one model round over a conversation.
type Generator interface {
	Ready() bool
	Round(ctx context.Context, turns []model.Turn) (generator.Draft, error)
}

type Prompts interface {
	Resolve(key string) string
}

type Options struct {
	GenerationTimeout time.Duration
	RetryDelay        time.Duration
	MaxRetries        int
	DefaultInterval   queue.DelayRange
	Logger            *log.Logger
	Verbose           bool
	Now               func() time.Time
}

// Controller keeps generation cycles running within their bounds.
type Controller struct {
	cycles        *storage.CycleRepository
	conversations *storage.ConversationRepository
	queue         Queue
	gen           Generator
	prompts       Prompts
	opts          Options

	locks sync.Map // cycle id -> *sync.Mutex
	retry *retrier
}

func NewController(cycles *storage.CycleRepository, conversations *storage.ConversationRepository, q Queue, gen Generator, prompts Prompts, opts Options) *Controller {
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 10 * time.Minute
	}
	if opts.DefaultInterval.IsZero() {
		opts.DefaultInterval = queue.CycleDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		cycles:        cycles,
		conversations: conversations,
		queue:         q,
		gen:           gen,
		prompts:       prompts,
		opts:          opts,
	}
	c.retry = newRetrier(opts.RetryDelay, opts.MaxRetries, c.retryRound, c.stalled)
	return c
}

func (c *Controller) infof(format string, args ...interface{}) {
	if !c.opts.Verbose {
		return
	}
	c.opts.Logger.Printf("[CYCLE] "+format, args...)
}

func (c *Controller) lock(id string) func() {
	m, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateCycle validates and stores a new, inactive cycle.
func (c *Controller) CreateCycle(ctx context.Context, gc *model.GenerationCycle) error {
	if strings.TrimSpace(gc.TopicID) == "" {
		return fmt.Errorf("%w: topic id is required", ErrConfig)
	}
	if gc.MaxPosts < model.Unbounded || gc.MaxPosts == 0 {
		return fmt.Errorf("%w: max_posts must be positive or %d", ErrConfig, model.Unbounded)
	}
	if !gc.PublishMode.Valid() {
		if gc.PublishMode != "" {
			return fmt.Errorf("%w: unknown publish mode %q", ErrConfig, gc.PublishMode)
		}
		gc.PublishMode = model.PublishAnonymous
	}
	r := queue.DelayRange{Min: gc.MinIntervalMinutes, Max: gc.MaxIntervalMinutes}
	if r.IsZero() {
		r = c.opts.DefaultInterval
	}
	r = r.Normalize()
	gc.MinIntervalMinutes, gc.MaxIntervalMinutes = r.Min, r.Max

	if gc.ID == "" {
		gc.ID = uuid.NewString()
	}
	gc.PostsEmitted = 0
	gc.IsActive = false
	gc.LastPublishedAt = nil
	if err := c.cycles.Create(ctx, gc); err != nil {
		return err
	}
	c.opts.Logger.Printf("[CYCLE] created %s for topic %s (max_posts=%d, interval %d-%d min)",
		gc.ID, gc.TopicID, gc.MaxPosts, gc.MinIntervalMinutes, gc.MaxIntervalMinutes)
	return nil
}

func (c *Controller) Get(ctx context.Context, id string) (*model.GenerationCycle, error) {
	gc, err := c.cycles.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return gc, err
}

func (c *Controller) List(ctx context.Context) ([]model.GenerationCycle, error) {
	return c.cycles.List(ctx)
}

// StartCycle activates a cycle and generates its first item.
func (c *Controller) StartCycle(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()

	gc, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if gc.CapReached() {
		return ErrCapReached
	}
	outstanding, err := c.queue.HasOutstanding(ctx, id)
	if err != nil {
		return err
	}
	if outstanding {
		return c.outstandingError(ctx, id)
	}
	if !gc.IsActive {
		if err := c.cycles.SetActive(ctx, id, true); err != nil {
			return err
		}
		gc.IsActive = true
	}
	c.retry.cancel(id)
	c.opts.Logger.Printf("[CYCLE] starting %s (%d/%d posts)", id, gc.PostsEmitted, gc.MaxPosts)
	return c.round(ctx, gc)
}

// outstandingError says what keeps a cycle from starting. Failed items
// survive StopCycle and block a restart until deleted or rescheduled.
func (c *Controller) outstandingError(ctx context.Context, id string) error {
	failed, err := c.queue.CountByCycle(ctx, id, model.StatusFailed)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d failed item(s) block the restart, delete or reschedule them first", ErrOutstanding, failed)
	}
	return fmt.Errorf("%w: an item is still pending", ErrOutstanding)
}

// ContinueCycle counts the post that was just published and generates the
// next one.
func (c *Controller) ContinueCycle(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()

	gc, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if !gc.IsActive {
		return ErrInactive
	}
	if gc.CapReached() {
		return c.deactivateCapped(ctx, gc)
	}

	now := c.opts.Now().UTC()
	if err := c.cycles.RecordPublished(ctx, id, now); err != nil {
		return err
	}
	gc.PostsEmitted++
	gc.LastPublishedAt = &now
	if gc.CapReached() {
		return c.deactivateCapped(ctx, gc)
	}
	return c.round(ctx, gc)
}

// OnPublished is called by the dispatcher after a cycle item was published.
func (c *Controller) OnPublished(ctx context.Context, cycleID string) {
	err := c.ContinueCycle(ctx, cycleID)
	switch {
	case err == nil:
	case errors.Is(err, ErrCapReached), errors.Is(err, ErrInactive):
		c.opts.Logger.Printf("[CYCLE] %s not continued: %v", cycleID, err)
	default:
		c.opts.Logger.Printf("[CYCLE] ERROR: continue %s: %v", cycleID, err)
		errtrack.CaptureError(err, map[string]interface{}{"cycle_id": cycleID, "stage": "continue"})
	}
}

// StopCycle deactivates a cycle and cancels everything it still has queued.
func (c *Controller) StopCycle(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()

	if _, err := c.Get(ctx, id); err != nil {
		return err
	}
	c.retry.cancel(id)
	if err := c.cycles.SetActive(ctx, id, false); err != nil {
		return err
	}
	n, err := c.queue.DeletePendingByCycle(ctx, id)
	if err != nil {
		return err
	}
	c.opts.Logger.Printf("[CYCLE] stopped %s, cancelled %d pending items", id, n)
	return nil
}

func (c *Controller) ResetCounters(ctx context.Context, id string) error {
	unlock := c.lock(id)
	defer unlock()

	err := c.cycles.ResetCounters(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err == nil {
		c.opts.Logger.Printf("[CYCLE] reset counters of %s", id)
	}
	return err
}

// ResumeStalled restarts active cycles that have nothing queued, which
// happens after a crash or after generation retries ran out.
func (c *Controller) ResumeStalled(ctx context.Context) (int, error) {
	active, err := c.cycles.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for i := range active {
		gc := active[i]
		if c.resume(ctx, gc.ID) {
			resumed++
		}
	}
	if resumed > 0 {
		c.opts.Logger.Printf("[CYCLE] resumed %d stalled cycles", resumed)
	}
	return resumed, nil
}

func (c *Controller) resume(ctx context.Context, id string) bool {
	unlock := c.lock(id)
	defer unlock()

	gc, err := c.Get(ctx, id)
	if err != nil || !gc.IsActive || gc.CapReached() {
		return false
	}
	outstanding, err := c.queue.HasOutstanding(ctx, id)
	if err != nil {
		c.opts.Logger.Printf("[CYCLE] ERROR: check items of %s: %v", id, err)
		return false
	}
	if outstanding {
		return false
	}
	if err := c.round(ctx, gc); err != nil {
		c.opts.Logger.Printf("[CYCLE] resume %s failed: %v", id, err)
		return false
	}
	return true
}

// Close cancels pending generation retries.
func (c *Controller) Close() {
	c.retry.stopAll()
}

func (c *Controller) deactivateCapped(ctx context.Context, gc *model.GenerationCycle) error {
	if err := c.cycles.SetActive(ctx, gc.ID, false); err != nil {
		return err
	}
	c.retry.cancel(gc.ID)
	metrics.RecordCycleCapped()
	c.opts.Logger.Printf("[CYCLE] %s reached its cap (%d/%d), deactivated", gc.ID, gc.PostsEmitted, gc.MaxPosts)
	return ErrCapReached
}

// round runs generateAndEnqueue and arranges a delayed retry when the model
// call fails. The caller holds the cycle lock.
func (c *Controller) round(ctx context.Context, gc *model.GenerationCycle) error {
	err := c.generateAndEnqueue(ctx, gc)
	if err == nil {
		c.retry.succeeded(gc.ID)
		return nil
	}
	if errors.Is(err, ErrGeneration) {
		c.retry.failed(gc.ID)
	}
	return err
}

func (c *Controller) retryRound(id string) {
	ctx := context.Background()
	unlock := c.lock(id)
	defer unlock()

	gc, err := c.Get(ctx, id)
	if err != nil || !gc.IsActive || gc.CapReached() {
		c.retry.cancel(id)
		return
	}
	if outstanding, err := c.queue.HasOutstanding(ctx, id); err == nil && outstanding {
		c.retry.cancel(id)
		return
	}
	c.opts.Logger.Printf("[CYCLE] retrying generation for %s", id)
	if err := c.round(ctx, gc); err != nil {
		c.opts.Logger.Printf("[CYCLE] retry of %s failed: %v", id, err)
	}
}

func (c *Controller) stalled(id string, attempts int) {
	metrics.RecordCycleStalled()
	c.opts.Logger.Printf("[CYCLE] WARNING: %s stalled after %d failed generation attempts", id, attempts)
	errtrack.CaptureMessage("generation cycle stalled", map[string]interface{}{
		"cycle_id": id,
		"attempts": attempts,
	})
}
