// Package supervisor keeps the detection channel, the screenshot channel and
// the stream alive against a backend that restarts on its own, and drives
// the detection status and visibility of the viewer.
//
// Channel and stream callbacks arrive on their own goroutines and are
// posted to the event loop; every other method must be called on the loop.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"birdcam/internal/capture"
	"birdcam/internal/detection"
	"birdcam/internal/eventloop"
	"birdcam/internal/metrics"
	"birdcam/internal/view"
	"birdcam/internal/ws"

	"github.com/rs/zerolog"
)

// Channel is a client socket the supervisor reconnects.
type Channel interface {
	State() ws.State
	Connect() bool
}

// Stream is the video source the supervisor restarts.
type Stream interface {
	URL() string
	Start()
	Initialized() bool
	NeedsRestart() bool
}

// Prober tells whether the stream endpoint answers.
type Prober interface {
	Check(ctx context.Context, url string) bool
}

// Session receives detection results and is cancelled when detection is
// turned off.
type Session interface {
	HandleResult(r *detection.Result) bool
	Cancel()
}

// Options tunes the retry loops.
type Options struct {
	ReconnectInterval   time.Duration
	StreamRetryInterval time.Duration
	ReattachDelay       time.Duration
	ReattachAttempts    int
	ProbeTimeout        time.Duration
}

// Supervisor owns the reconnect policies and the stream re-attach loop.
type Supervisor struct {
	opts        Options
	loop        *eventloop.Loop
	model       *view.Model
	detection   Channel
	screenshots Channel
	stream      Stream
	probe       Prober
	session     Session
	metrics     *metrics.Metrics
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	reconnect           *ReconnectPolicy
	screenshotReconnect *ReconnectPolicy
	streamRetry         *ReconnectPolicy

	reattach         *eventloop.Timer
	reattachGen      uint64
	reattachInFlight int
	everOpened       bool
	connected        bool
	enabled          bool
}

// New wires a supervisor. screenshots may be nil when the viewer runs
// without a screenshot service.
func New(opts Options, loop *eventloop.Loop, model *view.Model, detectionCh, screenshotCh Channel,
	stream Stream, probe Prober, session Session, m *metrics.Metrics, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:                opts,
		loop:                loop,
		model:               model,
		detection:           detectionCh,
		screenshots:         screenshotCh,
		stream:              stream,
		probe:               probe,
		session:             session,
		metrics:             m,
		log:                 log,
		ctx:                 ctx,
		cancel:              cancel,
		reconnect:           NewReconnectPolicy(loop, opts.ReconnectInterval),
		screenshotReconnect: NewReconnectPolicy(loop, opts.ReconnectInterval),
		streamRetry:         NewReconnectPolicy(loop, opts.StreamRetryInterval),
	}
}

// DetectionListener returns the listener to register on the detection
// channel.
func (s *Supervisor) DetectionListener() ws.Listener {
	return detectionListener{s}
}

// ScreenshotListener returns the listener to register on the screenshot
// channel.
func (s *Supervisor) ScreenshotListener() ws.Listener {
	return screenshotListener{s}
}

// StreamPlaying implements stream.Listener.
func (s *Supervisor) StreamPlaying() {
	s.loop.Post(s.onStreamPlaying)
}

// StreamFatal implements stream.Listener.
func (s *Supervisor) StreamFatal(err error) {
	s.loop.Post(func() { s.onStreamFatal(err) })
}

// Start connects both channels and starts the stream.
func (s *Supervisor) Start() {
	s.log.Info().Msg("connecting to detection service")
	s.detection.Connect()
	if s.screenshots != nil {
		s.screenshots.Connect()
	}
	s.startStream()
	s.model.Update(func(st *view.State) {
		st.Connection.Detection = s.detection.State().String()
		if s.screenshots != nil {
			st.Connection.Screenshot = s.screenshots.State().String()
		}
	})
}

// Shutdown stops every retry loop and in-flight probe.
func (s *Supervisor) Shutdown() {
	s.reconnect.Reset()
	s.screenshotReconnect.Reset()
	s.streamRetry.Reset()
	s.reattach.Stop()
	s.reattach = nil
	s.reattachGen++
	s.reattachInFlight = 0
	s.cancel()
}

// Reconnecting reports whether the detection reconnect loop is running.
func (s *Supervisor) Reconnecting() bool {
	return s.reconnect.Running()
}

// Reattaching reports whether a stream re-attach loop is running, including
// the wait for the last attempt's probe.
func (s *Supervisor) Reattaching() bool {
	return s.reattach.Active() || s.reattachInFlight > 0
}

// StreamRetrying reports whether the stream fatal retry loop is running.
func (s *Supervisor) StreamRetrying() bool {
	return s.streamRetry.Running()
}

// DetectionEnabled reports whether detection is turned on.
func (s *Supervisor) DetectionEnabled() bool {
	return s.enabled
}

// SetDetectionEnabled turns detection on or off. It requires the detection
// channel to be open.
func (s *Supervisor) SetDetectionEnabled(on bool) error {
	if s.detection.State() != ws.StateOpen {
		return capture.ErrNotConnected
	}
	if on == s.enabled {
		return nil
	}
	s.enabled = on
	if !on {
		s.session.Cancel()
	}
	s.model.Update(func(st *view.State) {
		st.ToggleChecked = on
		st.UIVisible = on
		if on {
			st.Status = view.StatusActive
			st.StatusClass = view.StatusClassActive
			st.Panel = view.Message(view.PromptIdle)
		} else {
			st.Status = view.StatusDisabled
			st.StatusClass = view.StatusClassInactive
		}
	})
	s.log.Info().Bool("enabled", on).Msg("detection toggled")
	return nil
}

// EnsureStream restarts a stream that played before but is now stopped or
// starved. It reports whether a restart was issued.
func (s *Supervisor) EnsureStream() bool {
	if !s.stream.Initialized() || !s.stream.NeedsRestart() {
		return false
	}
	s.log.Info().Msg("stream stalled, restarting")
	s.startStream()
	return true
}

func (s *Supervisor) startStream() {
	s.metrics.StreamStarts.Add(1)
	s.stream.Start()
}

func (s *Supervisor) onDetectionOpened(reconnect bool) {
	s.reconnect.Reset()
	s.everOpened = true
	s.connected = true
	s.enabled = true
	s.metrics.DetectionConnects.Add(1)
	s.log.Info().Bool("reconnect", reconnect).Msg("detection service connected")

	s.model.Update(func(st *view.State) {
		st.Status = view.StatusActive
		st.StatusClass = view.StatusClassActive
		st.ToggleEnabled = true
		st.ToggleChecked = true
		st.UIVisible = true
		st.Panel = view.Message(view.PromptIdle)
		st.Connection.Detection = ws.StateOpen.String()
		st.Connection.Reconnecting = false
	})

	if reconnect {
		s.startReattach()
	}
}

// onDetectionClosed runs for a dropped connection and for every failed
// dial. Only a drop counts as a disconnect.
func (s *Supervisor) onDetectionClosed() {
	if s.connected {
		s.connected = false
		s.enabled = false
		s.session.Cancel()
		s.metrics.DetectionDisconnects.Add(1)
		s.log.Warn().Msg("detection service disconnected")
	} else {
		s.log.Debug().Msg("detection service unreachable")
	}

	everOpened := s.everOpened
	s.model.Update(func(st *view.State) {
		st.Status = view.StatusOffline
		st.StatusClass = view.StatusClassInactive
		st.Connection.Detection = ws.StateClosed.String()
		if everOpened {
			st.ToggleChecked = false
			st.ToggleEnabled = false
			st.UIVisible = false
		}
	})

	if s.reconnect.Start(func() {
		s.metrics.ReconnectAttempts.Add(1)
		s.log.Debug().Int("attempt", s.reconnect.Attempts()).Msg("reconnecting to detection service")
		if s.detection.Connect() {
			s.model.Update(func(st *view.State) {
				st.Connection.Detection = ws.StateConnecting.String()
			})
		}
	}) {
		s.model.Update(func(st *view.State) {
			st.Connection.Reconnecting = true
		})
	}
}

func (s *Supervisor) onDetectionMessage(data []byte) {
	r, err := detection.ParseResult(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("discarding malformed detection message")
		return
	}
	s.session.HandleResult(r)
}

// startReattach probes the stream a few times after the backend came back
// and restarts playback on the first success. A new loop replaces a
// running one.
func (s *Supervisor) startReattach() {
	s.reattach.Stop()
	s.reattachGen++
	s.reattachInFlight = 0
	gen := s.reattachGen
	attempts := 0

	s.reattach = s.loop.Every(s.opts.ReattachDelay, func() {
		attempts++
		if attempts >= s.opts.ReattachAttempts {
			s.reattach.Stop()
		}
		s.metrics.ReattachAttempts.Add(1)
		s.log.Debug().Int("attempt", attempts).Msg("probing stream after reconnect")

		s.reattachInFlight++
		s.probeStream(func(ok bool) {
			if gen != s.reattachGen {
				return
			}
			s.reattachInFlight--
			if !ok {
				return
			}
			s.reattachGen++
			s.reattachInFlight = 0
			s.reattach.Stop()
			s.log.Info().Int("attempt", attempts).Msg("stream available again, re-attaching")
			s.startStream()
		})
	})
}

func (s *Supervisor) onStreamPlaying() {
	s.streamRetry.Reset()
	s.log.Info().Msg("stream playing")
	s.model.Update(func(st *view.State) {
		st.Connection.StreamPlaying = true
		st.Connection.StreamRetry = false
	})
}

func (s *Supervisor) onStreamFatal(err error) {
	s.metrics.StreamFatals.Add(1)
	s.log.Warn().Err(err).Msg("stream failed")

	started := s.streamRetry.Start(func() {
		if s.stream.Initialized() {
			return
		}
		s.metrics.StreamRetryAttempts.Add(1)
		s.probeStream(func(ok bool) {
			if !ok || !s.streamRetry.Running() || s.stream.Initialized() {
				return
			}
			s.log.Info().Int("attempt", s.streamRetry.Attempts()).Msg("stream available, restarting")
			s.startStream()
		})
	})
	s.model.Update(func(st *view.State) {
		st.Connection.StreamPlaying = false
		if started {
			st.Connection.StreamRetry = true
		}
	})
}

// probeStream checks the stream off the loop and posts the outcome back.
func (s *Supervisor) probeStream(done func(ok bool)) {
	url := s.stream.URL()
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.ProbeTimeout)
		defer cancel()
		ok := s.probe.Check(ctx, url)
		s.loop.Post(func() { done(ok) })
	}()
}

func (s *Supervisor) onScreenshotOpened() {
	s.screenshotReconnect.Reset()
	s.log.Info().Msg("screenshot service connected")
	s.model.Update(func(st *view.State) {
		st.Connection.Screenshot = ws.StateOpen.String()
	})
}

func (s *Supervisor) onScreenshotClosed() {
	s.log.Warn().Msg("screenshot service disconnected")
	s.model.Update(func(st *view.State) {
		st.Connection.Screenshot = ws.StateClosed.String()
	})
	s.screenshotReconnect.Start(func() {
		s.screenshots.Connect()
	})
}

func (s *Supervisor) onScreenshotMessage(data []byte) {
	var reply detection.ScreenshotReply
	if err := json.Unmarshal(data, &reply); err != nil {
		s.log.Warn().Err(err).Msg("discarding malformed screenshot reply")
		return
	}
	switch reply.Status {
	case "saved":
		s.log.Info().Str("filename", reply.Filename).Msg("capture saved")
	case "deleted":
		s.log.Debug().Msg("captures deleted")
	case "error":
		s.log.Warn().Err(errors.New(reply.Error)).Msg("screenshot service error")
	}
}

type detectionListener struct{ s *Supervisor }

func (l detectionListener) ChannelOpened(reconnect bool) {
	l.s.loop.Post(func() { l.s.onDetectionOpened(reconnect) })
}

func (l detectionListener) ChannelClosed() {
	l.s.loop.Post(l.s.onDetectionClosed)
}

func (l detectionListener) MessageReceived(data []byte) {
	l.s.loop.Post(func() { l.s.onDetectionMessage(data) })
}

type screenshotListener struct{ s *Supervisor }

func (l screenshotListener) ChannelOpened(bool) {
	l.s.loop.Post(l.s.onScreenshotOpened)
}

func (l screenshotListener) ChannelClosed() {
	l.s.loop.Post(l.s.onScreenshotClosed)
}

func (l screenshotListener) MessageReceived(data []byte) {
	l.s.loop.Post(func() { l.s.onScreenshotMessage(data) })
}
