package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"birdcam/internal/capture"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegion(t *testing.T) {
	r, err := parseRegion([]string{"10", "20", "300", "200"})
	require.NoError(t, err)
	assert.Equal(t, capture.Region{X: 10, Y: 20, Width: 300, Height: 200}, r)

	_, err = parseRegion([]string{"10", "20", "300"})
	assert.Error(t, err)
	_, err = parseRegion([]string{"10", "x", "300", "200"})
	assert.Error(t, err)
}

func TestAnalyzeSendsRegionWithToken(t *testing.T) {
	var got capture.Region
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/analyze", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, "secret", 5, false)
	require.NoError(t, runCommand(context.Background(), c, "analyze", []string{"1", "2", "30", "40"}))
	assert.Equal(t, capture.Region{X: 1, Y: 2, Width: 30, Height: 40}, got)
	assert.Equal(t, "Bearer secret", auth)
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"detection service not connected"}`))
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, "", 5, false)
	_, err := c.do(context.Background(), http.MethodGet, "/api/state", nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "detection service not connected", apiErr.Message)
}

func TestCaptureWritesDownload(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xd9}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/capture", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"1"}`))
	})
	mux.HandleFunc("GET /api/capture/download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpeg)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "bird.jpg")
	c := newAPIClient(srv.URL, "", 5, false)
	require.NoError(t, runCommand(context.Background(), c, "capture", []string{out}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, jpeg, data)
}

func TestToggleRejectsBadArgument(t *testing.T) {
	c := newAPIClient("http://127.0.0.1:0", "", 1, false)
	assert.Error(t, runCommand(context.Background(), c, "toggle", []string{"maybe"}))
	assert.Error(t, runCommand(context.Background(), c, "bogus", nil))
}
