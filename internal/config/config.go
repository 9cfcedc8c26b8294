package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Profiles select how service addresses are derived from the base URL.
const (
	// ProfileLocal talks to the services directly on their own ports.
	ProfileLocal = "local"
	// ProfileProxied goes through the reverse proxy serving the base URL.
	ProfileProxied = "proxied"
)

// StreamPath is where the camera playlist is published.
const StreamPath = "/live/camera/index.m3u8"

// Config holds the runtime configuration for the viewer and the screenshot
// service. Values come from Default(), then an optional YAML file, then the
// environment, then command-line flags.
type Config struct {
	BaseURL       string `yaml:"base_url"`
	Profile       string `yaml:"profile"`
	StreamURL     string `yaml:"stream_url"`
	DetectionURL  string `yaml:"detection_url"`
	ScreenshotURL string `yaml:"screenshot_url"`

	HTTPAddr  string `yaml:"http_addr"`
	GRPCAddr  string `yaml:"grpc_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Reconnect  ReconnectConfig         `yaml:"reconnect"`
	Stream     StreamConfig            `yaml:"stream"`
	Capture    CaptureConfig           `yaml:"capture"`
	Auth       AuthConfig              `yaml:"auth"`
	Screenshot ScreenshotServiceConfig `yaml:"screenshot_service"`
}

// ReconnectConfig holds the fixed retry timings.
type ReconnectConfig struct {
	Interval            time.Duration `yaml:"interval"`
	StreamRetryInterval time.Duration `yaml:"stream_retry_interval"`
	ReattachDelay       time.Duration `yaml:"reattach_delay"`
	ReattachAttempts    int           `yaml:"reattach_attempts"`
}

// StreamConfig configures the HLS pipeline.
type StreamConfig struct {
	FFmpegPath         string        `yaml:"ffmpeg_path"`
	FPS                int           `yaml:"fps"`
	ManifestRetries    int           `yaml:"manifest_retries"`
	ManifestRetryDelay time.Duration `yaml:"manifest_retry_delay"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
}

// CaptureConfig configures frame capture and analysis requests.
type CaptureConfig struct {
	AnalyzeTimeout  time.Duration `yaml:"analyze_timeout"`
	PreviewTimeout  time.Duration `yaml:"preview_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	MaxFrameWidth   int           `yaml:"max_frame_width"`
	AnalyzeQuality  int           `yaml:"analyze_quality"`
	CaptureQuality  int           `yaml:"capture_quality"`
	SaturationBoost float64       `yaml:"saturation_boost"`
	MinRegion       int           `yaml:"min_region"`
}

// AuthConfig protects the control API.
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// ScreenshotServiceConfig configures cmd/birdcam-screenshots.
type ScreenshotServiceConfig struct {
	Addr            string `yaml:"addr"`
	CaptureDir      string `yaml:"capture_dir"`
	DatabasePath    string `yaml:"database_path"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	SavesPerMinute  int    `yaml:"saves_per_minute"`
}

// Endpoints are the resolved service addresses.
type Endpoints struct {
	Stream     string
	Detection  string
	Screenshot string
}

// Default returns the configuration matching the stock deployment.
func Default() *Config {
	return &Config{
		BaseURL:   "http://localhost:8080",
		Profile:   ProfileLocal,
		HTTPAddr:  ":8090",
		LogLevel:  "info",
		LogFormat: "console",
		Reconnect: ReconnectConfig{
			Interval:            5 * time.Second,
			StreamRetryInterval: 5 * time.Second,
			ReattachDelay:       2 * time.Second,
			ReattachAttempts:    5,
		},
		Stream: StreamConfig{
			FFmpegPath:         "ffmpeg",
			FPS:                10,
			ManifestRetries:    3,
			ManifestRetryDelay: time.Second,
			StaleAfter:         5 * time.Second,
			ProbeTimeout:       3 * time.Second,
		},
		Capture: CaptureConfig{
			AnalyzeTimeout:  10 * time.Second,
			PreviewTimeout:  10 * time.Second,
			DownloadTimeout: 20 * time.Second,
			MaxFrameWidth:   1280,
			AnalyzeQuality:  80,
			CaptureQuality:  90,
			SaturationBoost: 1.5,
			MinRegion:       10,
		},
		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
		Screenshot: ScreenshotServiceConfig{
			Addr:            ":8766",
			CaptureDir:      "captures",
			DatabasePath:    "captures.db",
			MaxMessageBytes: 10 * 1024 * 1024,
			SavesPerMinute:  30,
		},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("BIRDCAM_BASE_URL", &c.BaseURL)
	str("BIRDCAM_PROFILE", &c.Profile)
	str("BIRDCAM_STREAM_URL", &c.StreamURL)
	str("BIRDCAM_DETECTION_URL", &c.DetectionURL)
	str("BIRDCAM_SCREENSHOT_URL", &c.ScreenshotURL)
	str("BIRDCAM_HTTP_ADDR", &c.HTTPAddr)
	str("BIRDCAM_GRPC_ADDR", &c.GRPCAddr)
	str("BIRDCAM_LOG_LEVEL", &c.LogLevel)
	str("BIRDCAM_LOG_FORMAT", &c.LogFormat)
	str("BIRDCAM_FFMPEG", &c.Stream.FFmpegPath)
	str("AUTH_USERNAME", &c.Auth.Username)
	str("AUTH_PASSWORD", &c.Auth.Password)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("SCREENSHOT_ADDR", &c.Screenshot.Addr)
	str("SCREENSHOT_CAPTURE_DIR", &c.Screenshot.CaptureDir)
	str("SCREENSHOT_DATABASE", &c.Screenshot.DatabasePath)

	if v, ok := lookup("AUTH_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AUTH_ENABLED %q: %w", v, err)
		}
		c.Auth.Enabled = enabled
	}
	if v, ok := lookup("JWT_EXPIRY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid JWT_EXPIRY %q: %w", v, err)
		}
		c.Auth.JWTExpiry = d
	}
	return nil
}

// Validate rejects unusable values and resets out-of-range tunables to
// their defaults.
func (c *Config) Validate() error {
	def := Default()

	if c.Profile != ProfileLocal && c.Profile != ProfileProxied {
		return fmt.Errorf("invalid profile %q (valid: %s|%s)", c.Profile, ProfileLocal, ProfileProxied)
	}
	if _, err := c.Endpoints(); err != nil {
		return err
	}

	if c.Reconnect.Interval <= 0 {
		c.Reconnect.Interval = def.Reconnect.Interval
	}
	if c.Reconnect.StreamRetryInterval <= 0 {
		c.Reconnect.StreamRetryInterval = def.Reconnect.StreamRetryInterval
	}
	if c.Reconnect.ReattachDelay <= 0 {
		c.Reconnect.ReattachDelay = def.Reconnect.ReattachDelay
	}
	if c.Reconnect.ReattachAttempts <= 0 {
		c.Reconnect.ReattachAttempts = def.Reconnect.ReattachAttempts
	}

	if c.Stream.FFmpegPath == "" {
		c.Stream.FFmpegPath = def.Stream.FFmpegPath
	}
	if c.Stream.FPS <= 0 {
		c.Stream.FPS = def.Stream.FPS
	}
	if c.Stream.ManifestRetries <= 0 {
		c.Stream.ManifestRetries = def.Stream.ManifestRetries
	}
	if c.Stream.ManifestRetryDelay <= 0 {
		c.Stream.ManifestRetryDelay = def.Stream.ManifestRetryDelay
	}
	if c.Stream.StaleAfter <= 0 {
		c.Stream.StaleAfter = def.Stream.StaleAfter
	}
	if c.Stream.ProbeTimeout <= 0 {
		c.Stream.ProbeTimeout = def.Stream.ProbeTimeout
	}

	if c.Capture.AnalyzeTimeout <= 0 {
		c.Capture.AnalyzeTimeout = def.Capture.AnalyzeTimeout
	}
	if c.Capture.PreviewTimeout <= 0 {
		c.Capture.PreviewTimeout = def.Capture.PreviewTimeout
	}
	if c.Capture.DownloadTimeout <= 0 {
		c.Capture.DownloadTimeout = def.Capture.DownloadTimeout
	}
	if c.Capture.MaxFrameWidth <= 0 {
		c.Capture.MaxFrameWidth = def.Capture.MaxFrameWidth
	}
	if c.Capture.AnalyzeQuality < 1 || c.Capture.AnalyzeQuality > 100 {
		c.Capture.AnalyzeQuality = def.Capture.AnalyzeQuality
	}
	if c.Capture.CaptureQuality < 1 || c.Capture.CaptureQuality > 100 {
		c.Capture.CaptureQuality = def.Capture.CaptureQuality
	}
	if c.Capture.SaturationBoost <= 0 {
		c.Capture.SaturationBoost = def.Capture.SaturationBoost
	}
	if c.Capture.MinRegion < 0 {
		c.Capture.MinRegion = def.Capture.MinRegion
	}

	if c.Auth.JWTExpiry <= 0 {
		c.Auth.JWTExpiry = def.Auth.JWTExpiry
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return errors.New("auth enabled but no password configured")
	}

	if c.Screenshot.MaxMessageBytes <= 0 {
		c.Screenshot.MaxMessageBytes = def.Screenshot.MaxMessageBytes
	}
	if c.Screenshot.SavesPerMinute <= 0 {
		c.Screenshot.SavesPerMinute = def.Screenshot.SavesPerMinute
	}
	if c.Screenshot.CaptureDir == "" {
		c.Screenshot.CaptureDir = def.Screenshot.CaptureDir
	}
	return nil
}

// Endpoints resolves the stream, detection and screenshot addresses.
// Explicit URLs win over the profile-derived ones.
func (c *Config) Endpoints() (Endpoints, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return Endpoints{}, fmt.Errorf("invalid base URL %q: %w", c.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return Endpoints{}, fmt.Errorf("invalid base URL %q: scheme must be http or https", c.BaseURL)
	}
	if base.Host == "" {
		return Endpoints{}, fmt.Errorf("invalid base URL %q: missing host", c.BaseURL)
	}

	stream := *base
	stream.Path = StreamPath

	var ep Endpoints
	ep.Stream = stream.String()

	switch c.Profile {
	case ProfileLocal:
		host := base.Hostname()
		ep.Detection = (&url.URL{Scheme: "ws", Host: host + ":8765"}).String()
		ep.Screenshot = (&url.URL{Scheme: "ws", Host: host + ":8766"}).String()
	default:
		scheme := "ws"
		if base.Scheme == "https" {
			scheme = "wss"
		}
		ep.Detection = (&url.URL{Scheme: scheme, Host: base.Host, Path: "/ws"}).String()
		ep.Screenshot = (&url.URL{Scheme: scheme, Host: base.Host, Path: "/ws-screenshot"}).String()
	}

	if c.StreamURL != "" {
		ep.Stream = c.StreamURL
	}
	if c.DetectionURL != "" {
		ep.Detection = c.DetectionURL
	}
	if c.ScreenshotURL != "" {
		ep.Screenshot = c.ScreenshotURL
	}
	return ep, nil
}
