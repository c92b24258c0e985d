package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"auto_feed_publisher/errtrack"
	"auto_feed_publisher/metrics"
	"auto_feed_publisher/model"
)

// Queue is the part of the queue store the dispatcher drives.
type Queue interface {
	NextDue(ctx context.Context) (*model.ScheduledItem, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type Publisher interface {
	Publish(ctx context.Context, item model.ScheduledItem) error
}

// PublishedHook is told about every successful publish of a cycle item.
type PublishedHook interface {
	OnPublished(ctx context.Context, cycleID string)
}

// Outcome describes one dispatch attempt.
type Outcome struct {
	Item      model.ScheduledItem
	Published bool
	Err       error
	Took      time.Duration
}

// Observer receives every outcome after the queue has been updated.
type Observer interface {
	Observe(ctx context.Context, o Outcome)
}

var ErrRunning = errors.New("dispatcher already running")

type Options struct {
	PollInterval   time.Duration
	PublishTimeout time.Duration
	Logger         *log.Logger
	Verbose        bool
}

// Dispatcher publishes due items one at a time.
type Dispatcher struct {
	queue     Queue
	publisher Publisher
	hook      PublishedHook
	observers []Observer
	opts      Options

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool

	// tick serialises iterations so only one publish is ever in flight.
	tick sync.Mutex
}

func New(queue Queue, publisher Publisher, hook PublishedHook, opts Options, observers ...Observer) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Dispatcher{
		queue:     queue,
		publisher: publisher,
		hook:      hook,
		observers: observers,
		opts:      opts,
	}
}

func (d *Dispatcher) infof(format string, args ...interface{}) {
	if !d.opts.Verbose {
		return
	}
	d.opts.Logger.Printf("[DISPATCH] "+format, args...)
}

// Start launches the worker loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrRunning
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.running = true
	go d.loop(d.stop, d.done)
	d.opts.Logger.Printf("[DISPATCH] started, polling every %s", d.opts.PollInterval)
	return nil
}

// Stop signals the loop and waits up to timeout for it to exit. It reports
// whether the worker exited in time.
func (d *Dispatcher) Stop(timeout time.Duration) bool {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return true
	}
	close(d.stop)
	done := d.done
	d.running = false
	d.mu.Unlock()

	select {
	case <-done:
		d.opts.Logger.Printf("[DISPATCH] stopped")
		return true
	case <-time.After(timeout):
		d.opts.Logger.Printf("[DISPATCH] WARNING: worker did not exit within %s", timeout)
		return false
	}
}

func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		d.Tick(ctx)
	}
}

// Tick performs one iteration: publish at most one due item. It reports
// whether an item was handled.
func (d *Dispatcher) Tick(ctx context.Context) bool {
	d.tick.Lock()
	defer d.tick.Unlock()

	item, err := d.queue.NextDue(ctx)
	if err != nil {
		d.opts.Logger.Printf("[DISPATCH] ERROR: load next due item: %v", err)
		errtrack.CaptureError(err, map[string]interface{}{"stage": "next_due"})
		return false
	}
	if item == nil {
		return false
	}

	d.infof("publishing %s %q (scheduled %s)", item.ID, item.Title, item.ScheduledAt.Format(time.RFC3339))
	started := time.Now()
	pubErr := d.publish(ctx, *item)
	took := time.Since(started)

	out := Outcome{Item: *item, Published: pubErr == nil, Err: pubErr, Took: took}
	if pubErr != nil {
		d.opts.Logger.Printf("[DISPATCH] publish %s failed: %v", item.ID, pubErr)
		if err := d.queue.MarkFailed(ctx, item.ID, pubErr.Error()); err != nil {
			d.opts.Logger.Printf("[DISPATCH] ERROR: mark %s failed: %v", item.ID, err)
			errtrack.CaptureError(err, map[string]interface{}{"item_id": item.ID, "stage": "mark_failed"})
		}
		metrics.RecordPublish("failed", took)
		d.notify(ctx, out)
		return true
	}

	metrics.RecordPublish("published", took)
	if err := d.queue.MarkPublished(ctx, item.ID); err != nil {
		// The item stays pending and would be published twice, so the
		// cycle is not advanced.
		d.opts.Logger.Printf("[DISPATCH] ERROR: mark %s published: %v", item.ID, err)
		errtrack.CaptureError(err, map[string]interface{}{"item_id": item.ID, "stage": "mark_published"})
		d.notify(ctx, out)
		return true
	}
	d.opts.Logger.Printf("[DISPATCH] published %s in %s", item.ID, took.Round(time.Millisecond))

	if item.Tagged() && d.hook != nil {
		d.continueCycle(ctx, *item.CycleID)
	}
	d.notify(ctx, out)
	return true
}

// publish calls the gateway under its own timeout; a panic counts as a failure.
func (d *Dispatcher) publish(ctx context.Context, item model.ScheduledItem) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.PublishTimeout)
	defer cancel()
	defer errtrack.Recover(d.opts.Logger, "publish "+item.ID, func(p error) { err = p })

	return d.publisher.Publish(ctx, item)
}

func (d *Dispatcher) continueCycle(ctx context.Context, cycleID string) {
	defer errtrack.Recover(d.opts.Logger, "continue cycle "+cycleID, nil)
	d.hook.OnPublished(ctx, cycleID)
}

func (d *Dispatcher) notify(ctx context.Context, o Outcome) {
	for _, obs := range d.observers {
		func() {
			defer errtrack.Recover(d.opts.Logger, "observer", nil)
			obs.Observe(ctx, o)
		}()
	}
}
