package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Call once the loop no longer runs tasks
var ErrStopped = errors.New("event loop stopped")

// Loop runs submitted tasks one at a time, in submission order, on a single
// goroutine. State owned by the loop needs no locking as long as it is only
// touched from tasks.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	// wake has capacity 1 so Submit never blocks
	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With("component", "event_loop"),
	}
}

// Run executes tasks until ctx is cancelled or Stop is called. Tasks still
// queued at that point are dropped. Run must be called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.markStopped()

	l.logger.Debug("Event loop started")
	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.runTask(task)

			// let a pending stop win over a long queue
			select {
			case <-l.stop:
				l.logger.Debug("Event loop stopped")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		select {
		case <-l.wake:
		case <-l.stop:
			l.logger.Debug("Event loop stopped")
			return nil
		case <-ctx.Done():
			l.logger.Debug("Event loop context cancelled")
			return ctx.Err()
		}
	}
}

// Submit queues fn for execution on the loop. It never blocks and reports
// false if the loop has already stopped.
func (l *Loop) Submit(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from a task running on the loop; that task would wait on itself.
func (l *Loop) Call(fn func()) error {
	finished := make(chan struct{})
	var panicErr error

	ok := l.Submit(func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				panicErr = fmt.Errorf("task panicked: %v", r)
			}
		}()
		fn()
	})
	if !ok {
		return ErrStopped
	}

	select {
	case <-finished:
		return panicErr
	case <-l.done:
		// the loop may have finished the task right before exiting
		select {
		case <-finished:
			return panicErr
		default:
			return ErrStopped
		}
	}
}

// Stop asks Run to return. Safe to call more than once and from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	l.stopped = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.Debug("Dropped queued tasks on stop", "count", dropped)
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered from panic in event loop task", "panic", r)
		}
	}()
	task()
}
