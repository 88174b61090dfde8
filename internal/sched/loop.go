package sched

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Loop is the owner context: a single goroutine that runs posted functions
// one at a time, in order. Scheduler state and task callbacks are only ever
// touched from inside the loop.
type Loop struct {
	logger Logger

	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

var _ Dispatcher = (*Loop)(nil)

// NewLoop creates a loop. Call Run to start processing.
func NewLoop(logger Logger) *Loop {
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues fn for execution on the loop. It returns false once the loop
// has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// After posts fn to the loop once d has elapsed. Stopping the returned timer
// before it fires cancels the post.
func (l *Loop) After(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Call runs fn on the loop and waits for its result. It must not be called
// from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Run processes posted functions until Stop is called or ctx is cancelled.
// Functions already posted when the loop stops are still run.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	var runErr error
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, fn := range batch {
			l.call(fn)
		}
		if stopped {
			l.mu.Lock()
			rest := l.pending
			l.pending = nil
			l.mu.Unlock()
			for _, fn := range rest {
				l.call(fn)
			}
			return runErr
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			runErr = ctx.Err()
			l.markStopped()
		}
	}
}

// Stop makes Run return after draining pending functions.
func (l *Loop) Stop() {
	l.markStopped()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop callback panicked", "error", fmt.Sprint(r))
		}
	}()
	fn()
}
