package cycle

import (
	"sync"
	"time"

	"auto_feed_publisher/errtrack"
)

type retryState struct {
	failures int
	timer    *time.Timer
}

// retrier schedules delayed generation retries per cycle and gives up after
// max retries.
type retrier struct {
	delay   time.Duration
	max     int
	run     func(id string)
	onStall func(id string, failures int)

	mu     sync.Mutex
	state  map[string]*retryState
	closed bool
}

func newRetrier(delay time.Duration, max int, run func(string), onStall func(string, int)) *retrier {
	if delay <= 0 {
		delay = 10 * time.Minute
	}
	if max < 0 {
		max = 0
	}
	return &retrier{delay: delay, max: max, run: run, onStall: onStall, state: map[string]*retryState{}}
}

func (r *retrier) failed(id string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	st := r.state[id]
	if st == nil {
		st = &retryState{}
		r.state[id] = st
	}
	st.failures++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	failures := st.failures
	if failures > r.max {
		delete(r.state, id)
		r.mu.Unlock()
		r.onStall(id, failures)
		return
	}
	st.timer = time.AfterFunc(r.delay, func() {
		defer errtrack.Recover(nil, "cycle retry "+id, nil)
		r.run(id)
	})
	r.mu.Unlock()
}

func (r *retrier) succeeded(id string) {
	r.cancel(id)
}

func (r *retrier) cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.state[id]; st != nil {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.state, id)
	}
}

// pending reports whether a retry is waiting for id.
func (r *retrier) pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state[id]
	return st != nil && st.timer != nil
}

func (r *retrier) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, st := range r.state {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.state, id)
	}
}
