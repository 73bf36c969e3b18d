package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrStopped is returned when a handler is submitted after the loop shut down.
var ErrStopped = errors.New("loop: stopped")

// Loop executes handlers one at a time on a single goroutine. Everything that
// mutates entity state runs here, so handlers never race each other and no
// per-field locking is required. Handlers must not block; calls into external
// collaborators that perform I/O belong in their own goroutines which submit
// their results back onto the loop.
type Loop struct {
	tasks   chan func()
	logger  zerolog.Logger
	stopped atomic.Bool

	mu       sync.Mutex
	overflow []func()
}

// New creates a loop with a bounded submission queue.
func New(logger zerolog.Logger) *Loop {
	return &Loop{
		tasks:  make(chan func(), 256),
		logger: logger.With().Str("component", "loop").Logger(),
	}
}

// Run drains submitted handlers until the context is cancelled. It returns
// nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopped.Store(true)
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-l.tasks:
			l.invoke(task)
			l.refill()
		}
	}
}

func (l *Loop) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("handler panicked")
		}
	}()
	task()
}

// refill moves overflowed handlers into freed queue slots, oldest first.
func (l *Loop) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.overflow) > 0 {
		select {
		case l.tasks <- l.overflow[0]:
			l.overflow[0] = nil
			l.overflow = l.overflow[1:]
		default:
			return
		}
	}
}

// Submit schedules a handler for execution. Submit never blocks: when the
// queue is full the handler is parked on an unbounded overflow list drained
// as slots free up. Handlers running on the loop itself can therefore always
// re-submit, no matter how deep the backlog is.
func (l *Loop) Submit(task func()) error {
	if task == nil {
		return nil
	}
	if l.stopped.Load() {
		return ErrStopped
	}
	l.mu.Lock()
	if len(l.overflow) > 0 {
		l.overflow = append(l.overflow, task)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	select {
	case l.tasks <- task:
		return nil
	default:
	}
	l.mu.Lock()
	l.overflow = append(l.overflow, task)
	l.mu.Unlock()
	return nil
}

// RunPending executes every handler queued so far and returns how many ran.
// Tests drive the loop with this instead of a background goroutine.
func (l *Loop) RunPending() int {
	count := 0
	for {
		l.refill()
		select {
		case task := <-l.tasks:
			l.invoke(task)
			count++
		default:
			l.mu.Lock()
			pending := len(l.overflow)
			l.mu.Unlock()
			if pending == 0 {
				return count
			}
		}
	}
}
