package server

import (
	"net/http"
	"strconv"
	"time"

	"birdcam/internal/capture"
	"birdcam/internal/imaging"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready once the detection service is connected and
// the stream is playing.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Model.Snapshot()
	body := map[string]any{
		"detection": st.Connection.Detection,
		"stream":    st.Connection.StreamPlaying,
	}
	if st.Connection.Detection != "open" || !st.Connection.StreamPlaying {
		body["status"] = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ready"
	writeJSON(w, http.StatusOK, body)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "authentication is disabled"})
		return
	}
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, expiresAt, err := s.deps.Auth.Authenticate(req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Model.Snapshot())
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.onLoop(r.Context(), func() error {
		return s.deps.Supervisor.SetDetectionEnabled(req.Enabled)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Model.Snapshot())
}

// handleAnalyze opens a selection, commits the given region and submits it
// in one step.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var region capture.Region
	if err := decode(r, &region); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.onLoop(r.Context(), func() error {
		if _, err := s.deps.Session.BeginSelection(); err != nil {
			return err
		}
		if err := s.deps.Session.Select(region); err != nil {
			s.deps.Session.Cancel()
			return err
		}
		return s.deps.Session.Submit()
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Model.Snapshot())
}

type selectionResponse struct {
	SessionID string `json:"session_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (s *Server) handleBeginSelection(w http.ResponseWriter, r *http.Request) {
	var resp selectionResponse
	err := s.onLoop(r.Context(), func() error {
		frame, err := s.deps.Session.BeginSelection()
		if err != nil {
			return err
		}
		resp.SessionID = s.deps.Model.State().Overlay.SessionID
		resp.Width = frame.Bounds().Dx()
		resp.Height = frame.Bounds().Dy()
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSelectionFrame serves the frozen snapshot the region refers to.
func (s *Server) handleSelectionFrame(w http.ResponseWriter, r *http.Request) {
	var data []byte
	err := s.onLoop(r.Context(), func() error {
		frame, ok := s.deps.Session.Frame()
		if !ok {
			return capture.ErrNoSelection
		}
		var err error
		data, err = imaging.EncodeJPEG(frame, 90)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleSelectRegion(w http.ResponseWriter, r *http.Request) {
	var region capture.Region
	if err := decode(r, &region); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.onLoop(r.Context(), func() error {
		return s.deps.Session.Select(region)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Model.Snapshot().Overlay)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := s.onLoop(r.Context(), s.deps.Session.Submit); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Model.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.onLoop(r.Context(), func() error {
		s.deps.Session.Cancel()
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	err := s.onLoop(r.Context(), func() error {
		s.deps.Session.Reset()
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Model.Snapshot().Panel)
}

type captureResponse struct {
	ID        string    `json:"id"`
	Bytes     int       `json:"bytes"`
	TakenAt   time.Time `json:"taken_at"`
	Remaining int       `json:"remaining_seconds"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var resp captureResponse
	err := s.onLoop(r.Context(), func() error {
		shot, err := s.deps.Screenshots.Capture()
		if err != nil {
			return err
		}
		resp = captureResponse{
			ID:        shot.ID,
			Bytes:     len(shot.JPEG),
			TakenAt:   shot.TakenAt,
			Remaining: s.deps.Model.State().Preview.Remaining,
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var (
		shot *capture.Shot
		name string
	)
	err := s.onLoop(r.Context(), func() error {
		var err error
		shot, name, err = s.deps.Screenshots.Download()
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(shot.JPEG)))
	w.Write(shot.JPEG)
}

func (s *Server) handleDeleteCapture(w http.ResponseWriter, r *http.Request) {
	err := s.onLoop(r.Context(), func() error {
		s.deps.Screenshots.Delete()
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnsureStream(w http.ResponseWriter, r *http.Request) {
	var restarted bool
	err := s.onLoop(r.Context(), func() error {
		restarted = s.deps.Supervisor.EnsureStream()
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restarted": restarted})
}
