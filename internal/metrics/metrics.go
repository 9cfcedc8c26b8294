package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application counters. Fields are updated directly by
// the components; Prometheus reads them on scrape.
type Metrics struct {
	// Detection channel
	DetectionConnects    atomic.Uint64
	DetectionDisconnects atomic.Uint64
	ReconnectAttempts    atomic.Uint64

	// Stream
	StreamStarts        atomic.Uint64
	StreamFatals        atomic.Uint64
	ReattachAttempts    atomic.Uint64
	StreamRetryAttempts atomic.Uint64

	// Analysis
	AnalyzeRequests     atomic.Uint64
	AnalyzeTimeouts     atomic.Uint64
	ResultsRendered     atomic.Uint64
	ResultsAcknowledged atomic.Uint64
	ResultErrors        atomic.Uint64

	// Viewer captures
	CapturesTaken      atomic.Uint64
	CapturesDownloaded atomic.Uint64
	CapturesDeleted    atomic.Uint64

	// Screenshot service
	ScreenshotsSaved    atomic.Uint64
	ScreenshotsRejected atomic.Uint64
	ScreenshotsDeleted  atomic.Uint64
	ScreenshotClients   atomic.Int64

	// UI event subscribers
	EventClients atomic.Int64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("birdcam_detection_connects_total", "Detection channel connections opened", &m.DetectionConnects)
	m.counter("birdcam_detection_disconnects_total", "Detection channel connections closed", &m.DetectionDisconnects)
	m.counter("birdcam_reconnect_attempts_total", "Detection channel reconnect attempts", &m.ReconnectAttempts)

	m.counter("birdcam_stream_starts_total", "Stream sessions started", &m.StreamStarts)
	m.counter("birdcam_stream_fatal_errors_total", "Stream sessions ended by a fatal error", &m.StreamFatals)
	m.counter("birdcam_stream_reattach_attempts_total", "Stream re-attach attempts after a detection reconnect", &m.ReattachAttempts)
	m.counter("birdcam_stream_retry_attempts_total", "Stream retry attempts after a fatal error", &m.StreamRetryAttempts)

	m.counter("birdcam_analyze_requests_total", "Analyze requests sent", &m.AnalyzeRequests)
	m.counter("birdcam_analyze_timeouts_total", "Analyze requests that timed out", &m.AnalyzeTimeouts)
	m.counter("birdcam_results_rendered_total", "Detection results rendered", &m.ResultsRendered)
	m.counter("birdcam_results_acknowledged_total", "Status acknowledgements ignored", &m.ResultsAcknowledged)
	m.counter("birdcam_result_errors_total", "Detection results carrying an error", &m.ResultErrors)

	m.counter("birdcam_captures_taken_total", "Screenshots taken by the viewer", &m.CapturesTaken)
	m.counter("birdcam_captures_downloaded_total", "Screenshots downloaded", &m.CapturesDownloaded)
	m.counter("birdcam_captures_deleted_total", "Screenshots deleted or expired", &m.CapturesDeleted)

	m.counter("birdcam_screenshots_saved_total", "Captures stored by the screenshot service", &m.ScreenshotsSaved)
	m.counter("birdcam_screenshots_rejected_total", "Captures rejected by the screenshot service", &m.ScreenshotsRejected)
	m.counter("birdcam_screenshots_deleted_total", "Capture files removed by the screenshot service", &m.ScreenshotsDeleted)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "birdcam_screenshot_clients",
			Help: "Connected screenshot service clients",
		},
		func() float64 { return float64(m.ScreenshotClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "birdcam_event_clients",
			Help: "Connected UI event subscribers",
		},
		func() float64 { return float64(m.EventClients.Load()) },
	))
}

// GaugeFunc registers a gauge read from fn on every scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// BoolGaugeFunc registers a 0/1 gauge.
func (m *Metrics) BoolGaugeFunc(name, help string, fn func() bool) {
	m.GaugeFunc(name, help, func() float64 { return boolGauge(fn()) })
}
