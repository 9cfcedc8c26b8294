package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"birdcam/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultEndpointsLocal(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	ep, err := cfg.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/live/camera/index.m3u8", ep.Stream)
	assert.Equal(t, "ws://localhost:8765", ep.Detection)
	assert.Equal(t, "ws://localhost:8766", ep.Screenshot)
}

func TestEndpointsProxiedHTTPS(t *testing.T) {
	cfg := config.Default()
	cfg.BaseURL = "https://birds.example.org"
	cfg.Profile = config.ProfileProxied

	ep, err := cfg.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, "https://birds.example.org/live/camera/index.m3u8", ep.Stream)
	assert.Equal(t, "wss://birds.example.org/ws", ep.Detection)
	assert.Equal(t, "wss://birds.example.org/ws-screenshot", ep.Screenshot)
}

func TestEndpointsExplicitOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.DetectionURL = "ws://detector:9000/birds"

	ep, err := cfg.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, "ws://detector:9000/birds", ep.Detection)
	assert.Equal(t, "ws://localhost:8766", ep.Screenshot)
}

func TestValidateRejectsBadProfileAndURL(t *testing.T) {
	cfg := config.Default()
	cfg.Profile = "staging"
	assert.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.BaseURL = "ftp://camera"
	assert.Error(t, cfg.Validate())
}

func TestValidateResetsOutOfRange(t *testing.T) {
	cfg := config.Default()
	cfg.Reconnect.Interval = 0
	cfg.Reconnect.ReattachAttempts = -1
	cfg.Capture.AnalyzeQuality = 400
	cfg.Capture.SaturationBoost = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Reconnect.Interval)
	assert.Equal(t, 5, cfg.Reconnect.ReattachAttempts)
	assert.Equal(t, 80, cfg.Capture.AnalyzeQuality)
	assert.Equal(t, 1.5, cfg.Capture.SaturationBoost)
}

func TestValidateAuthNeedsPassword(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Enabled = true
	assert.Error(t, cfg.Validate())

	cfg.Auth.Password = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	cfg := config.Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"BIRDCAM_BASE_URL": "https://cam.local",
		"BIRDCAM_PROFILE":  "proxied",
		"AUTH_ENABLED":     "true",
		"AUTH_PASSWORD":    "pw",
		"JWT_EXPIRY":       "1h",
	}))
	require.NoError(t, err)
	assert.Equal(t, "https://cam.local", cfg.BaseURL)
	assert.Equal(t, config.ProfileProxied, cfg.Profile)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, time.Hour, cfg.Auth.JWTExpiry)

	err = cfg.ApplyEnv(envMap(map[string]string{"AUTH_ENABLED": "perhaps"}))
	assert.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "birdcam.yaml")
	data := []byte(`
base_url: http://garden.lan:8080
profile: proxied
reconnect:
  interval: 7s
  reattach_attempts: 3
capture:
  saturation_boost: 1.2
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://garden.lan:8080", cfg.BaseURL)
	assert.Equal(t, 7*time.Second, cfg.Reconnect.Interval)
	assert.Equal(t, 3, cfg.Reconnect.ReattachAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.ReattachDelay)
	assert.Equal(t, 1.2, cfg.Capture.SaturationBoost)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.HTTPAddr)
}
