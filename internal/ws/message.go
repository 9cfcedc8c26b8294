package ws

import (
	"time"

	"birdcam/internal/view"
)

// Event types pushed to UI clients.
const (
	EventSnapshot = "snapshot" // full state sent once on connect
	EventState    = "state"    // state after a change
)

// EventMessage is a UI state broadcast.
type EventMessage struct {
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Version   uint64     `json:"version"`
	State     view.State `json:"state"`
}

// NewSnapshotMessage creates the message sent to a client when it connects.
func NewSnapshotMessage(s view.State) *EventMessage {
	return newEventMessage(EventSnapshot, s)
}

// NewStateMessage creates a state change message.
func NewStateMessage(s view.State) *EventMessage {
	return newEventMessage(EventState, s)
}

func newEventMessage(typ string, s view.State) *EventMessage {
	return &EventMessage{
		Type:      typ,
		Timestamp: time.Now(),
		Version:   s.Version,
		State:     s,
	}
}
