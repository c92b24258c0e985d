package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_feed_publisher/model"
)

type memQueue struct {
	mu        sync.Mutex
	items     []model.ScheduledItem
	published []string
	failed    map[string]string
	nextErr   error
}

func newMemQueue(items ...model.ScheduledItem) *memQueue {
	return &memQueue{items: items, failed: map[string]string{}}
}

func (q *memQueue) add(item model.ScheduledItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *memQueue) NextDue(context.Context) (*model.ScheduledItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.nextErr != nil {
		return nil, q.nextErr
	}
	for _, it := range q.items {
		if it.Status == model.StatusPending {
			item := it
			return &item, nil
		}
	}
	return nil, nil
}

func (q *memQueue) MarkPublished(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.published = append(q.published, id)
			return nil
		}
	}
	return errors.New("not found")
}

func (q *memQueue) MarkFailed(_ context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].Status = model.StatusFailed
			q.failed[id] = reason
			return nil
		}
	}
	return errors.New("not found")
}

func (q *memQueue) publishedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.published...)
}

type publishFunc func(ctx context.Context, item model.ScheduledItem) error

func (f publishFunc) Publish(ctx context.Context, item model.ScheduledItem) error { return f(ctx, item) }

type recordingHook struct {
	mu     sync.Mutex
	cycles []string
}

func (h *recordingHook) OnPublished(_ context.Context, cycleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycles = append(h.cycles, cycleID)
}

func (h *recordingHook) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cycles...)
}

type observerFunc func(o Outcome)

func (f observerFunc) Observe(_ context.Context, o Outcome) { f(o) }

func pending(id string, cycleID *string) model.ScheduledItem {
	return model.ScheduledItem{ID: id, Title: id, Body: "body", Status: model.StatusPending, CycleID: cycleID}
}

func quiet() Options {
	return Options{PollInterval: 5 * time.Millisecond, PublishTimeout: time.Second, Logger: log.New(io.Discard, "", 0)}
}

func strPtr(s string) *string { return &s }

func TestTickPublishesAndContinuesCycle(t *testing.T) {
	q := newMemQueue(pending("a", strPtr("cycle-1")), pending("b", nil))
	hook := &recordingHook{}
	var outcomes []Outcome
	d := New(q, publishFunc(func(context.Context, model.ScheduledItem) error { return nil }), hook, quiet(),
		observerFunc(func(o Outcome) { outcomes = append(outcomes, o) }))

	ctx := context.Background()
	assert.True(t, d.Tick(ctx))
	assert.True(t, d.Tick(ctx))
	assert.False(t, d.Tick(ctx), "queue drained")

	assert.Equal(t, []string{"a", "b"}, q.publishedIDs())
	assert.Equal(t, []string{"cycle-1"}, hook.calls())
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Published)
}

func TestTickFailureDoesNotAdvanceCycle(t *testing.T) {
	q := newMemQueue(pending("a", strPtr("cycle-1")))
	hook := &recordingHook{}
	d := New(q, publishFunc(func(context.Context, model.ScheduledItem) error {
		return errors.New("publish failed: HTTP 500")
	}), hook, quiet())

	assert.True(t, d.Tick(context.Background()))
	assert.Empty(t, hook.calls())
	assert.Empty(t, q.publishedIDs())
	assert.Equal(t, "publish failed: HTTP 500", q.failed["a"])

	assert.False(t, d.Tick(context.Background()), "failed items are not retried")
}

func TestTickRecoversPublisherPanic(t *testing.T) {
	q := newMemQueue(pending("a", strPtr("cycle-1")))
	hook := &recordingHook{}
	d := New(q, publishFunc(func(context.Context, model.ScheduledItem) error {
		panic("nil map")
	}), hook, quiet())

	assert.True(t, d.Tick(context.Background()))
	assert.Contains(t, q.failed["a"], "nil map")
	assert.Empty(t, hook.calls())
}

func TestTickSurvivesHookPanicAndStoreErrors(t *testing.T) {
	q := newMemQueue(pending("a", strPtr("cycle-1")))
	d := New(q, publishFunc(func(context.Context, model.ScheduledItem) error { return nil }),
		panicHook{}, quiet())
	assert.True(t, d.Tick(context.Background()))
	assert.Equal(t, []string{"a"}, q.publishedIDs())

	q.nextErr = errors.New("database is locked")
	assert.False(t, d.Tick(context.Background()))
}

type panicHook struct{}

func (panicHook) OnPublished(context.Context, string) { panic("cycle exploded") }

func TestTickPublishCarriesTimeout(t *testing.T) {
	q := newMemQueue(pending("slow", nil))
	opts := quiet()
	opts.PublishTimeout = 20 * time.Millisecond
	d := New(q, publishFunc(func(ctx context.Context, _ model.ScheduledItem) error {
		<-ctx.Done()
		return ctx.Err()
	}), nil, opts)

	done := make(chan struct{})
	go func() {
		d.Tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not time out")
	}
	assert.Contains(t, q.failed["slow"], "deadline exceeded")
}

func TestSingleInFlightUnderConcurrentLoad(t *testing.T) {
	q := newMemQueue()
	var inFlight, maxInFlight, calls int32
	pub := publishFunc(func(context.Context, model.ScheduledItem) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&calls, 1)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	d := New(q, pub, nil, quiet())
	require.NoError(t, d.Start())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				q.add(pending(fmt.Sprintf("w%d-%d", w, i), nil))
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				d.Tick(context.Background())
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return len(q.publishedIDs()) == 40 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, d.Stop(time.Second))
	assert.EqualValues(t, 1, atomic.LoadInt32(&maxInFlight))
	assert.EqualValues(t, 40, atomic.LoadInt32(&calls))
}

func TestStartStop(t *testing.T) {
	q := newMemQueue(pending("a", nil))
	d := New(q, publishFunc(func(context.Context, model.ScheduledItem) error { return nil }), nil, quiet())

	assert.True(t, d.Stop(time.Second), "stopping an idle dispatcher is a no-op")
	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), ErrRunning)
	assert.True(t, d.Running())

	assert.Eventually(t, func() bool { return len(q.publishedIDs()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, d.Stop(time.Second))
	assert.False(t, d.Running())
}

func TestStopTimesOutOnStuckPublish(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	q := newMemQueue(pending("stuck", nil))
	opts := quiet()
	opts.PublishTimeout = time.Minute
	d := New(q, publishFunc(func(context.Context, model.ScheduledItem) error {
		close(entered)
		<-release
		return nil
	}), nil, opts)

	require.NoError(t, d.Start())
	<-entered
	assert.False(t, d.Stop(20*time.Millisecond))
	close(release)
}
