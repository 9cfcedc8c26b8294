package view

import (
	"sync/atomic"
	"time"
)

// Model owns the UI state. Update must only be called from the event loop;
// Snapshot is safe from any goroutine.
type Model struct {
	state  State
	bus    *Bus
	now    func() time.Time
	latest atomic.Pointer[State]
}

// NewModel creates a model in the initial state. bus may be nil.
func NewModel(bus *Bus) *Model {
	m := &Model{
		state: Initial(),
		bus:   bus,
		now:   time.Now,
	}
	m.state.UpdatedAt = m.now()
	snap := m.state.Clone()
	m.latest.Store(&snap)
	return m
}

// Update applies fn and publishes the result as one change.
func (m *Model) Update(fn func(s *State)) {
	fn(&m.state)
	m.state.Version++
	m.state.UpdatedAt = m.now()

	snap := m.state.Clone()
	m.latest.Store(&snap)
	if m.bus != nil {
		m.bus.Publish(snap)
	}
}

// State returns a copy of the current state. Loop goroutine only.
func (m *Model) State() State {
	return m.state.Clone()
}

// Snapshot returns the last published state.
func (m *Model) Snapshot() State {
	return m.latest.Load().Clone()
}
