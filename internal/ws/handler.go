package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"birdcam/internal/view"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The control API is bound to a local address.
		return true
	},
}

// Handler serves the UI event stream at /ws/events.
type Handler struct {
	hub      *Hub
	snapshot func() view.State
	log      zerolog.Logger
}

// NewHandler creates an event handler. snapshot returns the state sent to
// a client right after it connects.
func NewHandler(hub *Hub, snapshot func() view.State, log zerolog.Logger) *Handler {
	return &Handler{hub: hub, snapshot: snapshot, log: log}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade error")
		return
	}
	h.log.Info().Str("remote", r.RemoteAddr).Msg("new event client")

	data, err := json.Marshal(NewSnapshotMessage(h.snapshot()))
	if err != nil {
		h.log.Error().Err(err).Msg("error marshaling snapshot")
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return
	}

	h.hub.Register(conn)
	go h.readPump(conn)
}

// readPump keeps the connection alive and notices when the client leaves.
func (h *Handler) readPump(conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Msg("event client read error")
			}
			return
		}
	}
}
