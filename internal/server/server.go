// Package server is the viewer's local control API. Every operation is
// executed on the event loop; handlers only translate HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"birdcam/internal/auth"
	"birdcam/internal/capture"
	"birdcam/internal/eventloop"
	"birdcam/internal/metrics"
	"birdcam/internal/middleware"
	"birdcam/internal/supervisor"
	"birdcam/internal/view"

	"github.com/rs/zerolog"
)

// Deps are the components the API drives.
type Deps struct {
	Loop        *eventloop.Loop
	Model       *view.Model
	Session     *capture.Session
	Screenshots *capture.Screenshots
	Supervisor  *supervisor.Supervisor
	Auth        *auth.Authenticator
	Metrics     *metrics.Metrics

	// Events serves /ws/events; Video serves /stream.mjpeg and Snapshot
	// serves /api/snapshot.jpg. Any of them may be nil.
	Events   http.Handler
	Video    http.Handler
	Snapshot http.Handler
}

// Server routes the control API.
type Server struct {
	deps Deps
	log  zerolog.Logger
	mux  *http.ServeMux
}

// New builds the router.
func New(deps Deps, log zerolog.Logger) *Server {
	s := &Server{deps: deps, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	protect := func(h http.HandlerFunc) http.Handler { return h }
	protectHandler := func(h http.Handler) http.Handler { return h }
	if s.deps.Auth != nil {
		mw := middleware.AuthMiddleware(s.deps.Auth)
		protect = func(h http.HandlerFunc) http.Handler { return mw(h) }
		protectHandler = mw
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	s.mux.HandleFunc("POST /api/login", s.handleLogin)

	s.mux.Handle("GET /api/state", protect(s.handleState))
	s.mux.Handle("POST /api/detection/toggle", protect(s.handleToggle))
	s.mux.Handle("POST /api/analyze", protect(s.handleAnalyze))
	s.mux.Handle("POST /api/selection", protect(s.handleBeginSelection))
	s.mux.Handle("GET /api/selection/frame", protect(s.handleSelectionFrame))
	s.mux.Handle("POST /api/selection/region", protect(s.handleSelectRegion))
	s.mux.Handle("POST /api/selection/submit", protect(s.handleSubmit))
	s.mux.Handle("POST /api/selection/cancel", protect(s.handleCancel))
	s.mux.Handle("POST /api/detections/reset", protect(s.handleReset))
	s.mux.Handle("POST /api/capture", protect(s.handleCapture))
	s.mux.Handle("GET /api/capture/download", protect(s.handleDownload))
	s.mux.Handle("DELETE /api/capture", protect(s.handleDeleteCapture))
	s.mux.Handle("POST /api/stream/ensure", protect(s.handleEnsureStream))

	if s.deps.Snapshot != nil {
		s.mux.Handle("GET /api/snapshot.jpg", protectHandler(s.deps.Snapshot))
	}
	if s.deps.Video != nil {
		s.mux.Handle("GET /stream.mjpeg", protectHandler(s.deps.Video))
	}
	if s.deps.Events != nil {
		s.mux.Handle("GET /ws/events", protectHandler(s.deps.Events))
	}
}

// Handler returns the router wrapped with request logging.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = middleware.Log(s.log)(h)
	h = middleware.RequestID()(h)
	return h
}

// onLoop runs fn on the event loop and returns its error.
func (s *Server) onLoop(ctx context.Context, fn func() error) error {
	var err error
	if callErr := s.deps.Loop.Call(ctx, func() { err = fn() }); callErr != nil {
		return callErr
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var br badRequest
	switch {
	case errors.As(err, &br):
		status = http.StatusBadRequest
	case errors.Is(err, capture.ErrNotConnected),
		errors.Is(err, capture.ErrNoFrame),
		errors.Is(err, eventloop.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrDetectionDisabled),
		errors.Is(err, capture.ErrNoSelection):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrInvalidRegion):
		status = http.StatusBadRequest
	case errors.Is(err, capture.ErrNoCapture):
		status = http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAuthDisabled):
		status = http.StatusUnauthorized
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	msg := err.Error()
	if errors.Is(err, capture.ErrNotConnected) {
		msg = view.AlertNotConnected
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

type badRequest struct{ err error }

func (e badRequest) Error() string { return "invalid request body: " + e.err.Error() }

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest{err}
	}
	return nil
}
