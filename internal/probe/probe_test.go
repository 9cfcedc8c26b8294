package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	var status atomic.Int32
	var method atomic.Value
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := New(time.Second, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, p.Check(ctx, srv.URL+"/live/camera/index.m3u8"))
	assert.Equal(t, http.MethodHead, method.Load())

	status.Store(http.StatusNotFound)
	assert.False(t, p.Check(ctx, srv.URL))

	status.Store(http.StatusNoContent)
	assert.True(t, p.Check(ctx, srv.URL))
}

func TestCheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New(time.Second, zerolog.Nop())
	assert.False(t, p.Check(context.Background(), url))
	assert.False(t, p.Check(context.Background(), "://bad"))
}
