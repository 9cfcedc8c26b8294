package detection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestShapes(t *testing.T) {
	data, err := json.Marshal(NewDeleteCapturesRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"delete_captures"}`, string(data))

	data, err = json.Marshal(NewAnalyzeRequest("AAAA"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"analyze","frame":"AAAA"}`, string(data))

	data, err = json.Marshal(NewSaveCaptureRequest("BBBB"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"save_capture","image":"BBBB"}`, string(data))
}

func TestIsAcknowledgement(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ack  bool
	}{
		{"status only", `{"status":"ok"}`, true},
		{"status with zero count", `{"status":"deleted","count":0}`, true},
		{"status with count", `{"status":"ok","count":2}`, false},
		{"status with birds", `{"status":"ok","birds":[]}`, false},
		{"plain result", `{"count":0}`, false},
		{"error", `{"error":"boom"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := ParseResult([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.ack, r.IsAcknowledgement())
		})
	}
}

func TestEmpty(t *testing.T) {
	r, err := ParseResult([]byte(`{"count":0,"birds":[{"species":"Merle"}]}`))
	require.NoError(t, err)
	assert.True(t, r.Empty())

	r, err = ParseResult([]byte(`{"birds":[{"species":"Merle"}]}`))
	require.NoError(t, err)
	assert.False(t, r.Empty())

	r, err = ParseResult([]byte(`{}`))
	require.NoError(t, err)
	assert.True(t, r.Empty())
}

func TestParseResultRejectsGarbage(t *testing.T) {
	_, err := ParseResult([]byte("not json"))
	assert.Error(t, err)
}

func TestCheckedAt(t *testing.T) {
	r := &Result{Timestamp: "2025-04-12T08:15:42.123456"}
	ts, ok := r.CheckedAt()
	require.True(t, ok)
	assert.Equal(t, "08:15:42", ts.Format("15:04:05"))

	r.Timestamp = "yesterday"
	_, ok = r.CheckedAt()
	assert.False(t, ok)
}
