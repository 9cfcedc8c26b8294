// Package probe checks whether the stream endpoint is reachable before the
// player is restarted against it.
package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPProbe issues HEAD requests against the stream playlist.
type HTTPProbe struct {
	client *http.Client
	log    zerolog.Logger
}

// New creates a probe. Each check is bounded by timeout.
func New(timeout time.Duration, log zerolog.Logger) *HTTPProbe {
	return &HTTPProbe{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Check reports whether url answers a HEAD request with a 2xx status.
// Any transport error or other status means unavailable.
func (p *HTTPProbe) Check(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		p.log.Debug().Err(err).Str("url", url).Msg("invalid probe request")
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Str("url", url).Msg("stream not yet available (network error)")
		return false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.log.Debug().Int("status", resp.StatusCode).Str("url", url).Msg("stream not yet available")
		return false
	}
	return true
}
