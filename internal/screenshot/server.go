// Package screenshot implements the screenshot service: a WebSocket server
// that stores the viewer's captures on disk per client and removes them on
// request or when the client goes away.
package screenshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"birdcam/internal/database"
	"birdcam/internal/detection"
	"birdcam/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Reply statuses.
const (
	StatusSaved   = "saved"
	StatusDeleted = "deleted"
	StatusError   = "error"
)

var (
	ErrNoImage     = errors.New("No image data provided")
	ErrBadImage    = errors.New("Failed to decode image")
	ErrRateLimited = errors.New("Too many captures, slow down")
)

// Options configures the server.
type Options struct {
	CaptureDir      string
	MaxMessageBytes int64
	SavesPerMinute  int
}

type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
}

// Server is the screenshot WebSocket endpoint.
type Server struct {
	opts     Options
	db       *database.Database
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	names   map[string]bool
}

// New creates a server and its capture directory.
func New(opts Options, db *database.Database, m *metrics.Metrics, log zerolog.Logger) (*Server, error) {
	if opts.CaptureDir == "" {
		opts.CaptureDir = "captures"
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 10 * 1024 * 1024
	}
	if err := os.MkdirAll(opts.CaptureDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	return &Server{
		opts:    opts,
		db:      db,
		metrics: m,
		log:     log,
		now:     time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		names:   make(map[string]bool),
	}, nil
}

// PurgeOrphans deletes capture files recorded by a previous run that did
// not get to clean up, and forgets their clients.
func (s *Server) PurgeOrphans() (int, error) {
	captures, err := s.db.ListAllCaptures()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range captures {
		if err := os.Remove(c.Filename); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("file", c.Filename).Msg("error deleting orphaned capture")
			continue
		}
		if err := s.db.DeleteCapture(c.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if _, err := s.db.DeleteClientsBefore(s.now().Add(time.Second)); err != nil {
		return removed, err
	}
	if removed > 0 {
		s.log.Info().Int("files", removed).Msg("purged orphaned captures")
	}
	return removed, nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade error")
		return
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: newLimiter(s.opts.SavesPerMinute),
	}
	if err := s.db.SaveClient(&database.ClientRecord{
		ID:          c.id,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: s.now(),
	}); err != nil {
		s.log.Error().Err(err).Msg("error recording client")
		conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[c.id] = c
	total := len(s.clients)
	s.mu.Unlock()
	s.metrics.ScreenshotClients.Add(1)
	s.log.Info().Str("client", c.id).Int("clients", total).Msg("screenshot client connected")

	s.serve(c)
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

func (s *Server) serve(c *client) {
	defer s.disconnect(c)

	conn := c.conn
	conn.SetReadLimit(s.opts.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
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
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("client", c.id).Msg("read error")
			}
			return
		}
		s.handle(c, data)
	}
}

func (s *Server) handle(c *client, data []byte) {
	var req detection.Request
	if err := json.Unmarshal(data, &req); err != nil {
		preview := data
		if len(preview) > 100 {
			preview = preview[:100]
		}
		s.log.Warn().Str("client", c.id).Bytes("message", preview).Msg("invalid JSON received")
		return
	}

	switch req.Action {
	case detection.ActionSaveCapture:
		if req.Image == "" {
			s.reply(c, detection.ScreenshotReply{Status: StatusError, Error: ErrNoImage.Error()})
			return
		}
		filename, err := s.saveCapture(c, req.Image)
		if err != nil {
			s.metrics.ScreenshotsRejected.Add(1)
			s.log.Warn().Err(err).Str("client", c.id).Msg("error saving capture")
			s.reply(c, detection.ScreenshotReply{Status: StatusError, Error: err.Error()})
			return
		}
		s.reply(c, detection.ScreenshotReply{Status: StatusSaved, Filename: filename})

	case detection.ActionDeleteCaptures:
		s.deleteCaptures(c)
		s.reply(c, detection.ScreenshotReply{Status: StatusDeleted})

	default:
		s.log.Debug().Str("client", c.id).Str("action", req.Action).Msg("ignoring unknown action")
	}
}

func (s *Server) reply(c *client, r detection.ScreenshotReply) {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(r); err != nil {
		s.log.Debug().Err(err).Str("client", c.id).Msg("error sending reply")
	}
}

// saveCapture decodes the image and writes it as a JPEG file owned by c.
func (s *Server) saveCapture(c *client, imageBase64 string) (string, error) {
	if !c.limiter.Allow() {
		return "", ErrRateLimited
	}

	raw, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return "", ErrBadImage
	}
	format, data, err := normalizeJPEG(raw)
	if err != nil {
		return "", err
	}

	now := s.now()
	filename := s.reserveName(c.id, now)
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		s.releaseName(filename)
		return "", fmt.Errorf("failed to write capture: %w", err)
	}
	if err := s.db.SaveCapture(&database.CaptureRecord{
		ID:        uuid.NewString(),
		ClientID:  c.id,
		Filename:  filename,
		Size:      int64(len(data)),
		CreatedAt: now,
	}); err != nil {
		os.Remove(filename)
		s.releaseName(filename)
		return "", err
	}

	s.metrics.ScreenshotsSaved.Add(1)
	s.log.Info().Str("client", c.id).Str("file", filename).Str("format", format).Int("bytes", len(data)).Msg("capture saved")
	return filename, nil
}

// normalizeJPEG validates raw and re-encodes it when it is not a JPEG.
func normalizeJPEG(raw []byte) (string, []byte, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", nil, ErrBadImage
	}
	if format == "jpeg" {
		return format, raw, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", nil, fmt.Errorf("failed to encode capture: %w", err)
	}
	return format, buf.Bytes(), nil
}

// reserveName builds user_<client>_capture_<YYYYmmdd_HHMMSS_mmm>.jpg and
// adds a counter when two captures land in the same millisecond.
func (s *Server) reserveName(clientID string, t time.Time) string {
	stamp := fmt.Sprintf("%s_%03d", t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond))
	base := fmt.Sprintf("user_%s_capture_%s", clientID, stamp)

	s.mu.Lock()
	defer s.mu.Unlock()
	name := filepath.Join(s.opts.CaptureDir, base+".jpg")
	for i := 1; s.names[name]; i++ {
		name = filepath.Join(s.opts.CaptureDir, fmt.Sprintf("%s_%d.jpg", base, i))
	}
	s.names[name] = true
	return name
}

func (s *Server) releaseName(name string) {
	s.mu.Lock()
	delete(s.names, name)
	s.mu.Unlock()
}

// deleteCaptures removes every file of c and returns how many were
// deleted.
func (s *Server) deleteCaptures(c *client) int {
	captures, err := s.db.ListCaptures(c.id)
	if err != nil {
		s.log.Error().Err(err).Str("client", c.id).Msg("error listing captures")
		return 0
	}

	deleted := 0
	for _, capture := range captures {
		if err := os.Remove(capture.Filename); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("file", capture.Filename).Msg("error deleting capture")
			continue
		}
		if err := s.db.DeleteCapture(capture.ID); err != nil {
			s.log.Error().Err(err).Str("file", capture.Filename).Msg("error forgetting capture")
			continue
		}
		s.releaseName(capture.Filename)
		deleted++
	}
	s.metrics.ScreenshotsDeleted.Add(uint64(deleted))
	s.log.Info().Str("client", c.id).Int("files", deleted).Msg("captures deleted")
	return deleted
}

func (s *Server) disconnect(c *client) {
	s.log.Info().Str("client", c.id).Msg("cleaning up captures for disconnected client")
	s.deleteCaptures(c)
	if err := s.db.CloseClient(c.id, s.now()); err != nil {
		s.log.Warn().Err(err).Str("client", c.id).Msg("error closing client record")
	}
	c.conn.Close()

	s.mu.Lock()
	delete(s.clients, c.id)
	total := len(s.clients)
	s.mu.Unlock()
	s.metrics.ScreenshotClients.Add(-1)
	s.log.Info().Str("client", c.id).Int("clients", total).Msg("screenshot client disconnected")
}

// Shutdown closes every client connection. Their captures are removed as
// each connection winds down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.ClientCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
