package capture

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"birdcam/internal/detection"
	"birdcam/internal/eventloop"
	"birdcam/internal/imaging"
	"birdcam/internal/metrics"
	"birdcam/internal/view"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoCapture is returned when no screenshot is being previewed.
var ErrNoCapture = errors.New("no capture available")

// Shot is a screenshot held for preview and download.
type Shot struct {
	ID      string
	JPEG    []byte
	TakenAt time.Time
}

// ScreenshotOptions tunes screenshots.
type ScreenshotOptions struct {
	Quality         int
	PreviewTimeout  time.Duration
	DownloadTimeout time.Duration
	// Tick is the countdown step, one second in production.
	Tick time.Duration
}

// Screenshots captures full frames, stores them through the screenshot
// service and keeps a preview with a countdown until it expires.
type Screenshots struct {
	opts    ScreenshotOptions
	channel Channel
	frames  FrameSource
	model   *view.Model
	loop    *eventloop.Loop
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	current   *Shot
	expiry    *eventloop.Timer
	countdown *eventloop.Timer
	remaining int
}

// NewScreenshots creates the screenshot controller.
func NewScreenshots(opts ScreenshotOptions, channel Channel, frames FrameSource, model *view.Model,
	loop *eventloop.Loop, m *metrics.Metrics, log zerolog.Logger) *Screenshots {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Screenshots{
		opts:    opts,
		channel: channel,
		frames:  frames,
		model:   model,
		loop:    loop,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// Capture snapshots the full frame, sends it to the screenshot service and
// shows the preview. A previous capture is deleted first.
func (s *Screenshots) Capture() (*Shot, error) {
	if s.current != nil {
		s.Delete()
	}

	frame, err := s.frames.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	data, err := imaging.EncodeJPEG(frame, s.opts.Quality)
	if err != nil {
		return nil, err
	}

	s.channel.Send(detection.NewSaveCaptureRequest(base64.StdEncoding.EncodeToString(data)))

	shot := &Shot{ID: uuid.NewString(), JPEG: data, TakenAt: s.now()}
	s.current = shot
	s.metrics.CapturesTaken.Add(1)
	s.log.Info().Str("capture", shot.ID).Int("bytes", len(data)).Msg("frame captured")

	s.startTimeout(s.opts.PreviewTimeout)
	return shot, nil
}

// Current returns the previewed capture.
func (s *Screenshots) Current() (*Shot, bool) {
	return s.current, s.current != nil
}

// Download returns the capture with its file name and restarts the
// countdown with the longer download timeout.
func (s *Screenshots) Download() (*Shot, string, error) {
	if s.current == nil {
		return nil, "", ErrNoCapture
	}
	name := Filename(s.now())
	s.metrics.CapturesDownloaded.Add(1)
	s.startTimeout(s.opts.DownloadTimeout)
	return s.current, name, nil
}

// Filename is the download name for a capture made at t.
func Filename(t time.Time) string {
	return "bird-capture-" + t.UTC().Format("2006-01-02T15-04-05") + ".jpg"
}

// Delete hides the preview and asks the screenshot service to remove this
// client's captures.
func (s *Screenshots) Delete() {
	s.expiry.Stop()
	s.countdown.Stop()
	s.expiry, s.countdown = nil, nil

	if s.current != nil {
		s.metrics.CapturesDeleted.Add(1)
		s.log.Debug().Str("capture", s.current.ID).Msg("capture deleted")
	}
	s.current = nil
	s.remaining = 0

	s.model.Update(func(st *view.State) {
		st.Preview = view.Preview{}
	})
	s.channel.Send(detection.NewDeleteCapturesRequest())
}

func (s *Screenshots) startTimeout(d time.Duration) {
	s.expiry.Stop()
	s.countdown.Stop()

	s.remaining = int(d / s.opts.Tick)
	id := s.current.ID
	s.model.Update(func(st *view.State) {
		st.Preview = view.Preview{Visible: true, Remaining: s.remaining, CaptureID: id}
	})

	s.countdown = s.loop.Every(s.opts.Tick, func() {
		s.remaining--
		if s.remaining <= 0 {
			s.countdown.Stop()
		}
		remaining := s.remaining
		s.model.Update(func(st *view.State) {
			st.Preview.Remaining = remaining
		})
	})
	s.expiry = s.loop.AfterFunc(d, s.Delete)
}
