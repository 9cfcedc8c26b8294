// Package stream plays the camera's HLS stream headlessly. A Source loads
// and parses the playlist, then hands the selected rendition to a Decoder
// that yields JPEG frames. The latest frame is kept for snapshots and fanned
// out to MJPEG viewers.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/grafov/m3u8"
	"github.com/rs/zerolog"
)

// ErrNoFrame is returned by Snapshot before the first frame is decoded.
var ErrNoFrame = errors.New("no frame decoded yet")

// Listener receives playback events for the current session only. Callbacks
// run on the session goroutine.
type Listener interface {
	// StreamPlaying fires on the first decoded frame of a session.
	StreamPlaying()
	// StreamFatal fires when the session cannot continue. The source does
	// not restart itself.
	StreamFatal(err error)
}

// Options configures a Source.
type Options struct {
	URL                string
	ManifestRetries    int
	ManifestRetryDelay time.Duration
	StaleAfter         time.Duration
	Client             *http.Client
}

// Source owns one playback session at a time.
type Source struct {
	opts    Options
	decoder Decoder
	relay   *Relay
	log     zerolog.Logger

	mu          sync.Mutex
	listener    Listener
	gen         uint64
	cancel      context.CancelFunc
	running     bool
	initialized bool
	playing     bool
	latest      []byte
	lastFrameAt time.Time
	frames      uint64
	sessions    uint64
}

// NewSource creates a stopped source. relay may be nil.
func NewSource(opts Options, decoder Decoder, relay *Relay, log zerolog.Logger) *Source {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.ManifestRetries <= 0 {
		opts.ManifestRetries = 1
	}
	return &Source{
		opts:     opts,
		decoder:  decoder,
		relay:    relay,
		log:      log,
		listener: nopListener{},
	}
}

// Listen sets the event listener.
func (s *Source) Listen(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == nil {
		l = nopListener{}
	}
	s.listener = l
}

// URL returns the playlist URL.
func (s *Source) URL() string {
	return s.opts.URL
}

// Start tears down any running session and begins a new one.
func (s *Source) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.playing = false
	s.sessions++
	s.mu.Unlock()

	s.log.Info().Uint64("session", gen).Str("url", s.opts.URL).Msg("starting stream")
	go s.run(ctx, gen)
}

// Stop ends the current session without notifying the listener.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.playing = false
}

func (s *Source) run(ctx context.Context, gen uint64) {
	mediaURL, err := s.loadPlaylist(ctx)
	if err != nil {
		s.fail(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	s.mu.Unlock()
	s.log.Debug().Uint64("session", gen).Str("media", mediaURL).Msg("manifest parsed")

	err = s.decoder.Decode(ctx, mediaURL, func(frame []byte) {
		s.onFrame(gen, frame)
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = ErrStreamEnded
	}
	s.fail(gen, err)
}

// loadPlaylist fetches the playlist with a fixed number of retries and
// returns the URL to decode: the highest bandwidth variant of a master
// playlist, or the playlist itself.
func (s *Source) loadPlaylist(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.ManifestRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.opts.ManifestRetryDelay):
			}
		}

		mediaURL, err := s.fetchPlaylist(ctx)
		if err == nil {
			return mediaURL, nil
		}
		lastErr = err
		s.log.Debug().Err(err).Int("attempt", attempt).Msg("manifest load failed")
	}
	return "", fmt.Errorf("manifest load failed after %d attempts: %w", s.opts.ManifestRetries, lastErr)
}

func (s *Source) fetchPlaylist(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	playlist, kind, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return "", fmt.Errorf("invalid playlist: %w", err)
	}

	switch kind {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			if best == nil || v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		if best == nil {
			return "", errors.New("master playlist has no variants")
		}
		return resolve(s.opts.URL, best.URI)
	case m3u8.MEDIA:
		return s.opts.URL, nil
	default:
		return "", errors.New("unknown playlist type")
	}
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid variant uri %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

func (s *Source) onFrame(gen uint64, frame []byte) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.latest = frame
	s.lastFrameAt = time.Now()
	s.frames++
	first := !s.playing
	s.playing = true
	l := s.listener
	s.mu.Unlock()

	if s.relay != nil {
		s.relay.Publish(frame)
	}
	if first {
		s.log.Info().Uint64("session", gen).Msg("stream playing")
		l.StreamPlaying()
	}
}

func (s *Source) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.playing = false
	s.initialized = false
	s.cancel = nil
	l := s.listener
	s.mu.Unlock()

	s.log.Warn().Err(err).Uint64("session", gen).Msg("stream fatal error")
	l.StreamFatal(err)
}

// Initialized reports whether the current session parsed its manifest.
// It is cleared by a fatal error.
func (s *Source) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Playing reports whether frames are arriving within the staleness window.
func (s *Source) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.playing && time.Since(s.lastFrameAt) <= s.opts.StaleAfter
}

// NeedsRestart reports whether playback is stopped or starved: no session
// is running, or no frame arrived within the staleness window.
func (s *Source) NeedsRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.lastFrameAt.IsZero() {
		return true
	}
	return time.Since(s.lastFrameAt) > s.opts.StaleAfter
}

// LatestJPEG returns the most recent encoded frame.
func (s *Source) LatestJPEG() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latest != nil
}

// Snapshot decodes the most recent frame.
func (s *Source) Snapshot() (image.Image, error) {
	data, ok := s.LatestJPEG()
	if !ok {
		return nil, ErrNoFrame
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// Stats is a point-in-time view of the source.
type Stats struct {
	Sessions    uint64
	Frames      uint64
	Running     bool
	Initialized bool
	LastFrameAt time.Time
}

// Stats returns counters for metrics.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Sessions:    s.sessions,
		Frames:      s.frames,
		Running:     s.running,
		Initialized: s.initialized,
		LastFrameAt: s.lastFrameAt,
	}
}

type nopListener struct{}

func (nopListener) StreamPlaying()    {}
func (nopListener) StreamFatal(error) {}
