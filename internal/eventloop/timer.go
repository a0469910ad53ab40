package eventloop

import (
	"sync"
	"time"
)

// Timer is a coarse one-shot timer whose callback runs on the loop.
// Schedule, Cancel and IsPending may be called from any goroutine.
type Timer struct {
	loop *Loop
	fn   func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
}

// NewTimer creates an idle timer that will run fn on l when it fires
func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn}
}

// Schedule arms the timer to fire after d, replacing any earlier schedule
func (t *Timer) Schedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.pending = true
	t.timer = time.AfterFunc(d, func() {
		t.loop.Submit(func() { t.fire(gen) })
	})
}

// Cancel disarms the timer. A callback already queued on the loop for the
// cancelled schedule will not run.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.pending = false
}

func (t *Timer) IsPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.timer = nil
	t.mu.Unlock()

	t.fn()
}
