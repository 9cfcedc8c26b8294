package stream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// Relay fans decoded frames out to MJPEG viewers. Slow viewers drop frames.
type Relay struct {
	clients map[chan []byte]bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

// NewRelay creates an empty relay.
func NewRelay(log zerolog.Logger) *Relay {
	return &Relay{
		clients: make(map[chan []byte]bool),
		log:     log,
	}
}

// Publish hands frame to every connected viewer without blocking.
func (r *Relay) Publish(frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

// ClientCount returns the number of connected viewers.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Relay) add() chan []byte {
	ch := make(chan []byte, 5)
	r.mu.Lock()
	r.clients[ch] = true
	r.mu.Unlock()
	return ch
}

func (r *Relay) remove(ch chan []byte) {
	r.mu.Lock()
	delete(r.clients, ch)
	r.mu.Unlock()
}

// ServeHTTP streams frames as multipart/x-mixed-replace until the client
// goes away.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := r.add()
	defer r.remove(ch)

	r.log.Debug().Str("remote", req.RemoteAddr).Msg("mjpeg viewer connected")
	for {
		select {
		case <-req.Context().Done():
			r.log.Debug().Str("remote", req.RemoteAddr).Msg("mjpeg viewer disconnected")
			return
		case frame := <-ch:
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			if _, err := w.Write(frame); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// SnapshotHandler serves the latest decoded frame of a Source.
type SnapshotHandler struct {
	source *Source
}

// NewSnapshotHandler creates a snapshot handler.
func NewSnapshotHandler(source *Source) *SnapshotHandler {
	return &SnapshotHandler{source: source}
}

func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame, ok := h.source.LatestJPEG()
	if !ok {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(frame)
}
