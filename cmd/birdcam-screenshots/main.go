package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"birdcam/internal/config"
	"birdcam/internal/database"
	"birdcam/internal/logging"
	"birdcam/internal/metrics"
	"birdcam/internal/screenshot"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configF    = flag.String("config", "birdcam.yaml", "Path to the YAML configuration file")
		addrF      = flag.String("addr", "", "Listen address (overrides screenshot_service.addr)")
		dirF       = flag.String("capture-dir", "", "Directory where captures are written")
		dbF        = flag.String("db", "", "Path to the capture ledger database")
		logLevelF  = flag.String("log-level", "", "Log level: debug, info, warn, error")
		logFormatF = flag.String("log-format", "", "Log format: console or json")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "birdcam-screenshots: %v\n", err)
		os.Exit(1)
	}
	for dst, v := range map[*string]string{
		&cfg.Screenshot.Addr:         *addrF,
		&cfg.Screenshot.CaptureDir:   *dirF,
		&cfg.Screenshot.DatabasePath: *dbF,
		&cfg.LogLevel:                *logLevelF,
		&cfg.LogFormat:               *logFormatF,
	} {
		if v != "" {
			*dst = v
		}
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "birdcam-screenshots: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg.Screenshot, logger); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
	logger.Info().Msg("exited")
}

func run(cfg config.ScreenshotServiceConfig, logger zerolog.Logger) error {
	db, err := database.New(cfg.DatabasePath, logging.Component(logger, "database"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	m := metrics.New()
	srv, err := screenshot.New(screenshot.Options{
		CaptureDir:      cfg.CaptureDir,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SavesPerMinute:  cfg.SavesPerMinute,
	}, db, m, logging.Component(logger, "screenshot"))
	if err != nil {
		return err
	}

	// Captures of clients that never disconnected cleanly are gone with
	// their sessions.
	purged, err := srv.PurgeOrphans()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to purge orphaned captures")
	} else if purged > 0 {
		logger.Info().Int("files", purged).Msg("purged orphaned captures")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, srv.ClientCount())
	})
	mux.Handle("/", srv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second * 60,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("dir", cfg.CaptureDir).Msg("screenshot service listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down screenshot service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to shutdown HTTP server")
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
