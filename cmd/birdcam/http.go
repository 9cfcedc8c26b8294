package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"birdcam/internal/health"

	"github.com/rs/zerolog"
)

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully with
// a 30s timeout. Request contexts derive from ctx so streaming responses end
// with it.
func serveHTTP(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	srv.BaseContext = func(net.Listener) context.Context { return ctx }
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Str("addr", srv.Addr).Msg("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to shutdown")
	}
	return nil
}

// serveGRPC runs the health server on addr until ctx is done.
func serveGRPC(ctx context.Context, addr string, srv *health.Server, logger zerolog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info().Str("addr", addr).Msg("shutting down gRPC health server")
	srv.Stop()
	return nil
}
