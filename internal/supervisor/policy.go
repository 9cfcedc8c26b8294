package supervisor

import (
	"time"

	"birdcam/internal/eventloop"
)

// ReconnectPolicy repeats an attempt at a fixed interval until it is reset.
// At most one loop runs at a time. Loop goroutine only.
type ReconnectPolicy struct {
	loop     *eventloop.Loop
	interval time.Duration
	timer    *eventloop.Timer
	attempts int
}

// NewReconnectPolicy creates an idle policy.
func NewReconnectPolicy(loop *eventloop.Loop, interval time.Duration) *ReconnectPolicy {
	return &ReconnectPolicy{loop: loop, interval: interval}
}

// Start runs attempt every interval, the first one after a full interval.
// It reports false and does nothing when a loop is already running.
func (p *ReconnectPolicy) Start(attempt func()) bool {
	if p.timer.Active() {
		return false
	}
	p.attempts = 0
	p.timer = p.loop.Every(p.interval, func() {
		p.attempts++
		attempt()
	})
	return true
}

// Reset stops the loop.
func (p *ReconnectPolicy) Reset() {
	p.timer.Stop()
	p.timer = nil
}

// Running reports whether a loop is active.
func (p *ReconnectPolicy) Running() bool {
	return p.timer.Active()
}

// Attempts returns how many attempts the current or last loop made.
func (p *ReconnectPolicy) Attempts() int {
	return p.attempts
}

// Interval returns the spacing between attempts.
func (p *ReconnectPolicy) Interval() time.Duration {
	return p.interval
}
