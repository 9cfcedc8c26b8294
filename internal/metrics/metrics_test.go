package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.AnalyzeRequests.Add(3)
	m.EventClients.Store(2)
	playing := true
	m.BoolGaugeFunc("birdcam_stream_playing", "Stream is playing", func() bool { return playing })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, "birdcam_analyze_requests_total 3"), text)
	assert.True(t, strings.Contains(text, "birdcam_event_clients 2"), text)
	assert.True(t, strings.Contains(text, "birdcam_stream_playing 1"), text)
}

func TestRegistryGather(t *testing.T) {
	m := New()
	m.StreamFatals.Add(1)

	count, err := testutil.GatherAndCount(m.Registry(), "birdcam_stream_fatal_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
