package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"birdcam/internal/metrics"
	"birdcam/internal/view"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub fans UI state out to connected event clients.
type Hub struct {
	clients map[*websocket.Conn]bool
	mu      sync.RWMutex
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewHub creates an empty hub. m may be nil.
func NewHub(m *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		metrics: m,
		log:     log,
	}
}

// Register adds a connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.EventClients.Add(1)
	}
	h.log.Debug().Str("remote", conn.RemoteAddr().String()).Int("clients", n).Msg("event client registered")
}

// Unregister removes a connection. It is safe to call more than once.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.EventClients.Add(-1)
	}
	h.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("event client unregistered")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast writes message to every client. Clients that fail are dropped.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.log.Warn().Err(err).Msg("error sending to event client")
			h.Unregister(conn)
			conn.Close()
		}
	}
}

// BroadcastState sends s as a state change.
func (h *Hub) BroadcastState(s view.State) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(NewStateMessage(s))
	if err != nil {
		h.log.Error().Err(err).Msg("error marshaling state message")
		return
	}
	h.Broadcast(data)
}

// Run broadcasts every state received on states until ctx is done or the
// channel is closed.
func (h *Hub) Run(ctx context.Context, states <-chan view.State) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case s, ok := <-states:
			if !ok {
				h.closeAll()
				return
			}
			h.BroadcastState(s)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := h.clients
	h.clients = make(map[*websocket.Conn]bool)
	h.mu.Unlock()

	for conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		if h.metrics != nil {
			h.metrics.EventClients.Add(-1)
		}
	}
}
