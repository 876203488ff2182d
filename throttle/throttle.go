// Package throttle bounds the rate of progress updates for a single transfer.
//
// A Throttler emits at most one sample per interval. A sample that arrives
// inside the current window becomes the pending sample and is emitted by a
// trailing timer when the window closes, so the latest value always reaches
// the consumer. Final emits the terminal sample immediately and retires the
// throttler.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sample is one raw progress observation.
type Sample struct {
	Done  int64
	Total int64
}

type Throttler struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	emit    func(Sample)

	pending    Sample
	hasPending bool
	timer      *time.Timer
	stopped    bool
}

// New returns a throttler calling emit at most once per interval. A
// non-positive interval disables throttling.
func New(interval time.Duration, emit func(Sample)) *Throttler {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttler{
		limiter: rate.NewLimiter(limit, 1),
		emit:    emit,
	}
}

// Offer records a sample, emitting it now if the window allows.
func (t *Throttler) Offer(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if t.timer != nil {
		t.pending, t.hasPending = s, true
		return
	}
	if t.limiter.Allow() {
		t.emit(s)
		return
	}

	t.pending, t.hasPending = s, true
	r := t.limiter.Reserve()
	t.timer = time.AfterFunc(r.Delay(), t.fire)
}

func (t *Throttler) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer = nil
	if t.stopped || !t.hasPending {
		return
	}
	t.hasPending = false
	t.emit(t.pending)
}

// Final emits s regardless of the window and stops the throttler. Any
// pending sample is superseded by s.
func (t *Throttler) Final(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopLocked()
	t.emit(s)
}

// Stop discards any pending sample without emitting it. Safe to call more
// than once.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Throttler) stopLocked() {
	t.stopped = true
	t.hasPending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
