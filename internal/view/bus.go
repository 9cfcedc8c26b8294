package view

import (
	"sync"
)

// Handler receives every published state.
type Handler interface {
	OnStateChange(s State)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s State)

func (f HandlerFunc) OnStateChange(s State) { f(s) }

// Bus provides pub/sub for UI state snapshots.
type Bus struct {
	subscribers map[*subscription]bool
	mu          sync.RWMutex
}

type subscription struct {
	channel chan State
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*subscription]bool),
	}
}

// Subscribe registers a handler. Handlers are called synchronously, in
// publish order, on the publishing goroutine, so they must not block.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	sub := &subscription{handler: h}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel of states. When the buffer is
// full new states are dropped. Returns the channel and an unsubscribe
// function that closes it.
func (b *Bus) SubscribeChannel(bufferSize int) (<-chan State, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan State, bufferSize)
	sub := &subscription{channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish delivers s to all subscribers.
func (b *Bus) Publish(s State) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler.OnStateChange(s.Clone())
		} else if sub.channel != nil {
			select {
			case sub.channel <- s.Clone():
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone and closes channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
