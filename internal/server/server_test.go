package server

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"birdcam/internal/auth"
	"birdcam/internal/capture"
	"birdcam/internal/config"
	"birdcam/internal/detection"
	"birdcam/internal/eventloop"
	"birdcam/internal/metrics"
	"birdcam/internal/supervisor"
	"birdcam/internal/view"
	"birdcam/internal/ws"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu    sync.Mutex
	state ws.State
	sent  []string
}

func (f *fakeChannel) State() ws.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Connect() bool { return false }

func (f *fakeChannel) Send(v any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != ws.StateOpen {
		return false
	}
	f.sent = append(f.sent, v.(*detection.Request).Action)
	return true
}

func (f *fakeChannel) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeFrames struct{}

func (fakeFrames) Snapshot() (image.Image, error) {
	return image.NewNRGBA(image.Rect(0, 0, 640, 480)), nil
}

type fakeStream struct{}

func (fakeStream) URL() string        { return "http://camera/index.m3u8" }
func (fakeStream) Start()             {}
func (fakeStream) Initialized() bool  { return false }
func (fakeStream) NeedsRestart() bool { return true }

type fakeProbe struct{}

func (fakeProbe) Check(context.Context, string) bool { return false }

type stack struct {
	srv        *httptest.Server
	loop       *eventloop.Loop
	model      *view.Model
	detection  *fakeChannel
	screenshot *fakeChannel
	sup        *supervisor.Supervisor
}

func newStack(t *testing.T, authn *auth.Authenticator) *stack {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	m := metrics.New()
	model := view.NewModel(nil)
	det := &fakeChannel{}
	shots := &fakeChannel{state: ws.StateOpen}
	log := zerolog.Nop()

	session := capture.NewSession(capture.Options{
		MaxFrameWidth: 1280, Quality: 80, Saturation: 1.5, MinRegion: 10, Timeout: time.Second,
	}, det, fakeFrames{}, model, loop, m, log)
	screenshots := capture.NewScreenshots(capture.ScreenshotOptions{
		Quality: 90, PreviewTimeout: 10 * time.Second, DownloadTimeout: 20 * time.Second,
	}, shots, fakeFrames{}, model, loop, m, log)
	sup := supervisor.New(supervisor.Options{
		ReconnectInterval: time.Hour, StreamRetryInterval: time.Hour,
		ReattachDelay: time.Hour, ReattachAttempts: 5, ProbeTimeout: time.Second,
	}, loop, model, det, shots, fakeStream{}, fakeProbe{}, session, m, log)

	api := New(Deps{
		Loop:        loop,
		Model:       model,
		Session:     session,
		Screenshots: screenshots,
		Supervisor:  sup,
		Auth:        authn,
		Metrics:     m,
	}, log)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &stack{srv: srv, loop: loop, model: model, detection: det, screenshot: shots, sup: sup}
}

// connect opens the detection channel the way the socket would.
func (s *stack) connect(t *testing.T) {
	t.Helper()
	s.detection.mu.Lock()
	s.detection.state = ws.StateOpen
	s.detection.mu.Unlock()
	s.sup.DetectionListener().ChannelOpened(false)
	require.NoError(t, s.loop.Call(context.Background(), func() {}))
}

func (s *stack) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStateAndHealth(t *testing.T) {
	s := newStack(t, nil)

	resp := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp = s.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st view.State
	decodeBody(t, resp, &st)
	assert.Equal(t, view.StatusConnecting, st.Status)
	assert.Equal(t, view.PromptInitial, st.Panel.Message)

	resp = s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAnalyzeRequiresConnection(t *testing.T) {
	s := newStack(t, nil)

	resp := s.do(t, http.MethodPost, "/api/analyze", `{"x":0,"y":0,"width":100,"height":100}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var e errorResponse
	decodeBody(t, resp, &e)
	assert.Equal(t, view.AlertNotConnected, e.Error)
}

func TestAnalyzeFlow(t *testing.T) {
	s := newStack(t, nil)
	s.connect(t)

	resp := s.do(t, http.MethodPost, "/api/analyze", `{"x":0,"y":0,"width":5,"height":100}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, s.detection.actions())

	resp = s.do(t, http.MethodPost, "/api/analyze", `{"x":10,"y":10,"width":100,"height":80}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var st view.State
	decodeBody(t, resp, &st)
	assert.True(t, st.Button.Analyzing)
	assert.Equal(t, []string{detection.ActionDeleteCaptures, detection.ActionAnalyze}, s.detection.actions())

	resp = s.do(t, http.MethodPost, "/api/analyze", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSelectionSteps(t *testing.T) {
	s := newStack(t, nil)
	s.connect(t)

	resp := s.do(t, http.MethodPost, "/api/selection/submit", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/selection", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sel selectionResponse
	decodeBody(t, resp, &sel)
	assert.Equal(t, 640, sel.Width)
	assert.NotEmpty(t, sel.SessionID)

	resp = s.do(t, http.MethodGet, "/api/selection/frame", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	resp = s.do(t, http.MethodPost, "/api/selection/region", `{"x":1,"y":1,"width":50,"height":50}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var overlay view.Overlay
	decodeBody(t, resp, &overlay)
	assert.True(t, overlay.SubmitEnabled)

	resp = s.do(t, http.MethodPost, "/api/selection/cancel", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, s.detection.actions())

	resp = s.do(t, http.MethodGet, "/api/selection/frame", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestToggle(t *testing.T) {
	s := newStack(t, nil)

	resp := s.do(t, http.MethodPost, "/api/detection/toggle", `{"enabled":false}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.connect(t)
	resp = s.do(t, http.MethodPost, "/api/detection/toggle", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st view.State
	decodeBody(t, resp, &st)
	assert.Equal(t, view.StatusDisabled, st.Status)
	assert.False(t, st.UIVisible)

	resp = s.do(t, http.MethodPost, "/api/analyze", `{"x":0,"y":0,"width":50,"height":50}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCaptureEndpoints(t *testing.T) {
	s := newStack(t, nil)

	resp := s.do(t, http.MethodGet, "/api/capture/download", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/capture", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var shot captureResponse
	decodeBody(t, resp, &shot)
	assert.NotEmpty(t, shot.ID)
	assert.Equal(t, 10, shot.Remaining)

	resp = s.do(t, http.MethodGet, "/api/capture/download", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Regexp(t, `attachment; filename="bird-capture-\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.jpg"`,
		resp.Header.Get("Content-Disposition"))

	resp = s.do(t, http.MethodDelete, "/api/capture", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, s.model.Snapshot().Preview.Visible)
}

func TestResetAndEnsure(t *testing.T) {
	s := newStack(t, nil)
	s.connect(t)

	resp := s.do(t, http.MethodPost, "/api/detections/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var panel view.Panel
	decodeBody(t, resp, &panel)
	assert.Equal(t, view.PromptIdle, panel.Message)
	assert.Equal(t, []string{detection.ActionDeleteCaptures}, s.detection.actions())

	resp = s.do(t, http.MethodPost, "/api/stream/ensure", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ensure map[string]bool
	decodeBody(t, resp, &ensure)
	assert.False(t, ensure["restarted"])
}

func TestAuthRequired(t *testing.T) {
	authn, err := auth.NewAuthenticator(config.AuthConfig{
		Enabled: true, Password: "feeder", JWTSecret: "secret", JWTExpiry: time.Hour,
	})
	require.NoError(t, err)
	s := newStack(t, authn)

	resp := s.do(t, http.MethodGet, "/api/state", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/login", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/login", `{"username":"admin","password":"feeder"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login loginResponse
	decodeBody(t, resp, &login)
	require.NotEmpty(t, login.Token)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/api/state", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}
