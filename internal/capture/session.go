// Package capture implements the operator's interactions with still frames:
// selecting a region and sending it for analysis, and taking screenshots.
// All methods must be called on the event loop.
package capture

import (
	"errors"
	"fmt"
	"image"
	"time"

	"birdcam/internal/detection"
	"birdcam/internal/eventloop"
	"birdcam/internal/imaging"
	"birdcam/internal/metrics"
	"birdcam/internal/view"
	"birdcam/internal/ws"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected      = errors.New("detection service is not connected")
	ErrDetectionDisabled = errors.New("detection is disabled")
	ErrNoFrame           = errors.New("no frame available")
	ErrNoSelection       = errors.New("no selection in progress")
	ErrInvalidRegion     = errors.New("selection too small")
)

// Channel is the detection or screenshot socket.
type Channel interface {
	State() ws.State
	Send(v any) bool
}

// FrameSource provides the current video frame.
type FrameSource interface {
	Snapshot() (image.Image, error)
}

// Options tunes the analysis request.
type Options struct {
	MaxFrameWidth int
	Quality       int
	Saturation    float64
	MinRegion     int
	Timeout       time.Duration
}

// Session drives region selection and the analyze request lifecycle.
type Session struct {
	opts    Options
	channel Channel
	frames  FrameSource
	model   *view.Model
	loop    *eventloop.Loop
	metrics *metrics.Metrics
	log     zerolog.Logger

	id        string
	snapshot  *image.NRGBA
	selection *Region
	dragging  bool
	dragStart image.Point
	timeout   *eventloop.Timer
}

// NewSession creates an idle session.
func NewSession(opts Options, channel Channel, frames FrameSource, model *view.Model,
	loop *eventloop.Loop, m *metrics.Metrics, log zerolog.Logger) *Session {
	return &Session{
		opts:    opts,
		channel: channel,
		frames:  frames,
		model:   model,
		loop:    loop,
		metrics: m,
		log:     log,
	}
}

// BeginSelection freezes the current frame, scaled down to the configured
// width, and opens the selection overlay with submission disabled.
func (s *Session) BeginSelection() (*image.NRGBA, error) {
	if s.channel.State() != ws.StateOpen {
		return nil, ErrNotConnected
	}
	if !s.model.State().UIVisible {
		return nil, ErrDetectionDisabled
	}

	frame, err := s.frames.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}

	s.snapshot = imaging.FitWidth(frame, s.opts.MaxFrameWidth)
	s.selection = nil
	s.dragging = false
	s.id = uuid.NewString()

	b := s.snapshot.Bounds()
	s.model.Update(func(st *view.State) {
		st.Overlay = view.Overlay{
			Visible:     true,
			FrameWidth:  b.Dx(),
			FrameHeight: b.Dy(),
			SessionID:   s.id,
		}
	})
	s.log.Debug().Str("session", s.id).Int("width", b.Dx()).Int("height", b.Dy()).Msg("selection started")
	return s.snapshot, nil
}

// Frame returns the frozen snapshot of the open overlay.
func (s *Session) Frame() (*image.NRGBA, bool) {
	return s.snapshot, s.snapshot != nil
}

// Active reports whether the overlay is open.
func (s *Session) Active() bool {
	return s.snapshot != nil
}

// PressAt starts a drag at (x, y).
func (s *Session) PressAt(x, y int) {
	if s.snapshot == nil {
		return
	}
	s.dragging = true
	s.dragStart = image.Pt(x, y)
}

// DragTo tracks the pointer and shows the rectangle being drawn. It is
// only committed on release.
func (s *Session) DragTo(x, y int) {
	if s.snapshot == nil || !s.dragging {
		return
	}
	r := NormalizeRegion(s.dragStart.X, s.dragStart.Y, x, y)
	s.model.Update(func(st *view.State) {
		st.Overlay.Drag = &view.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
	})
}

// ReleaseAt ends a drag and commits the rectangle if it is large enough.
// A rectangle that is too small leaves the previous selection in place.
func (s *Session) ReleaseAt(x, y int) bool {
	if s.snapshot == nil || !s.dragging {
		return false
	}
	s.dragging = false
	r := NormalizeRegion(s.dragStart.X, s.dragStart.Y, x, y)
	if s.commit(r) {
		return true
	}
	s.model.Update(func(st *view.State) {
		st.Overlay.Drag = nil
	})
	return false
}

// Select commits r directly under the same size rule as a drag.
func (s *Session) Select(r Region) error {
	if s.snapshot == nil {
		return ErrNoSelection
	}
	if r.Width < 0 || r.Height < 0 {
		r = NormalizeRegion(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
	}
	if !s.commit(r) {
		return ErrInvalidRegion
	}
	return nil
}

// commit keeps the part of r inside the snapshot, so the size rule applies
// to the pixels that will actually be sent.
func (s *Session) commit(r Region) bool {
	r = r.Clip(s.snapshot.Bounds())
	if !r.Valid(s.opts.MinRegion) {
		return false
	}
	s.selection = &r
	s.model.Update(func(st *view.State) {
		st.Overlay.Selection = &view.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
		st.Overlay.Drag = nil
		st.Overlay.SubmitEnabled = true
	})
	return true
}

// Selection returns the committed region, if any.
func (s *Session) Selection() (Region, bool) {
	if s.selection == nil {
		return Region{}, false
	}
	return *s.selection, true
}

// Submit crops the snapshot to the committed region, enhances and encodes
// it, and sends it for analysis. The button shows the analyzing state until
// a result arrives or the timeout fires.
func (s *Session) Submit() error {
	if s.snapshot == nil || s.selection == nil {
		return ErrNoSelection
	}
	region := *s.selection
	id := s.id

	cropped, err := imaging.Crop(s.snapshot, region.Rect())
	if err != nil {
		return fmt.Errorf("failed to crop selection: %w", err)
	}
	imaging.Saturate(cropped, s.opts.Saturation)
	frame, err := imaging.EncodeJPEGBase64(cropped, s.opts.Quality)
	if err != nil {
		return err
	}
	s.close()

	s.model.Update(func(st *view.State) {
		st.Button = view.AnalyzingButton()
		st.Panel = view.Panel{Kind: view.PanelAnalyzing, Message: view.PromptAnalyzing}
	})

	s.channel.Send(detection.NewDeleteCapturesRequest())
	s.channel.Send(detection.NewAnalyzeRequest(frame))
	s.metrics.AnalyzeRequests.Add(1)
	s.log.Info().
		Str("session", id).
		Int("width", region.Width).
		Int("height", region.Height).
		Int("size_kb", len(frame)/1024).
		Msg("sending cropped frame")

	s.timeout.Stop()
	s.timeout = s.loop.AfterFunc(s.opts.Timeout, func() {
		s.metrics.AnalyzeTimeouts.Add(1)
		s.log.Warn().Str("session", id).Msg("analysis timed out")
		s.restoreButton()
	})
	return nil
}

// Cancel closes the overlay and discards the snapshot. Nothing is sent.
func (s *Session) Cancel() {
	if s.snapshot == nil {
		return
	}
	s.close()
}

func (s *Session) close() {
	s.snapshot = nil
	s.selection = nil
	s.dragging = false
	s.id = ""
	s.model.Update(func(st *view.State) {
		st.Overlay = view.Overlay{}
	})
}

// Pending reports whether an analyze request is awaiting its result.
func (s *Session) Pending() bool {
	return s.timeout.Active()
}

// HandleResult renders an inbound detection message. Status-only
// acknowledgements are ignored and reported as false.
func (s *Session) HandleResult(r *detection.Result) bool {
	if r.IsAcknowledgement() {
		s.metrics.ResultsAcknowledged.Add(1)
		return false
	}

	s.timeout.Stop()
	s.timeout = nil
	s.channel.Send(detection.NewDeleteCapturesRequest())

	if r.Error != "" {
		s.metrics.ResultErrors.Add(1)
	}
	s.metrics.ResultsRendered.Add(1)

	panel := view.Render(r)
	s.model.Update(func(st *view.State) {
		st.Button = view.IdleButton()
		st.Panel = panel
	})
	return true
}

// Reset clears the result panel back to the idle prompt and asks the
// service to drop its captures.
func (s *Session) Reset() {
	s.model.Update(func(st *view.State) {
		st.Panel = view.Message(view.PromptIdle)
	})
	s.channel.Send(detection.NewDeleteCapturesRequest())
}

func (s *Session) restoreButton() {
	s.timeout = nil
	s.model.Update(func(st *view.State) {
		st.Button = view.IdleButton()
	})
}
