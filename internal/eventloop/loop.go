// Package eventloop runs every state transition of the viewer on a single
// goroutine. Socket readers, decoders, probes and timers never touch state
// directly; they post closures to the loop.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Call once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Loop is a serial executor. The zero value is not usable; use New.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates a loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run executes posted functions in order until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.pending = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn. It never blocks and reports false if the loop has stopped.
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

// Call runs fn on the loop and waits for it. It must not be called from the
// loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer is a one-shot or repeating callback delivered on the loop.
// Stop takes effect even if a fire is already queued.
type Timer struct {
	loop   *Loop
	active atomic.Bool

	mu sync.Mutex
	t  *time.Timer
}

// AfterFunc runs fn on the loop once after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{loop: l}
	tm.active.Store(true)
	tm.arm(d, func() {
		if !tm.active.Swap(false) {
			return
		}
		fn()
	})
	return tm
}

// Every runs fn on the loop every d until the timer is stopped. The first
// call happens after d.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	tm := &Timer{loop: l}
	tm.active.Store(true)

	var tick func()
	tick = func() {
		if !tm.active.Load() {
			return
		}
		fn()
		if tm.active.Load() {
			tm.arm(d, tick)
		}
	}
	tm.arm(d, tick)
	return tm
}

func (tm *Timer) arm(d time.Duration, onLoop func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.t = time.AfterFunc(d, func() {
		tm.loop.Post(onLoop)
	})
}

// Stop cancels the timer. It reports whether the timer was still active.
func (tm *Timer) Stop() bool {
	if tm == nil {
		return false
	}
	was := tm.active.Swap(false)
	tm.mu.Lock()
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.mu.Unlock()
	return was
}

// Active reports whether the timer may still fire.
func (tm *Timer) Active() bool {
	return tm != nil && tm.active.Load()
}
