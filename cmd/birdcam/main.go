package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"birdcam/internal/auth"
	"birdcam/internal/capture"
	"birdcam/internal/config"
	"birdcam/internal/eventloop"
	"birdcam/internal/health"
	"birdcam/internal/logging"
	"birdcam/internal/metrics"
	"birdcam/internal/probe"
	"birdcam/internal/server"
	"birdcam/internal/stream"
	"birdcam/internal/supervisor"
	"birdcam/internal/view"
	"birdcam/internal/ws"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Flags override the config file and the environment.
	var (
		configF    = flag.String("config", "birdcam.yaml", "Path to the YAML configuration file")
		baseURLF   = flag.String("base-url", "", "Base URL of the camera host (overrides base_url)")
		profileF   = flag.String("profile", "", "Address profile: local or proxied")
		httpAddrF  = flag.String("http-addr", "", "Control API listen address")
		grpcAddrF  = flag.String("grpc-addr", "", "gRPC health listen address, empty to disable")
		logLevelF  = flag.String("log-level", "", "Log level: debug, info, warn, error")
		logFormatF = flag.String("log-format", "", "Log format: console or json")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "birdcam: %v\n", err)
		os.Exit(1)
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.BaseURL, *baseURLF)
	override(&cfg.Profile, *profileF)
	override(&cfg.HTTPAddr, *httpAddrF)
	override(&cfg.GRPCAddr, *grpcAddrF)
	override(&cfg.LogLevel, *logLevelF)
	override(&cfg.LogFormat, *logFormatF)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "birdcam: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "birdcam: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
	logger.Info().Msg("exited")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ep, err := cfg.Endpoints()
	if err != nil {
		return err
	}
	logger.Info().
		Str("stream", ep.Stream).
		Str("detection", ep.Detection).
		Str("screenshot", ep.Screenshot).
		Msg("resolved service endpoints")

	m := metrics.New()
	loop := eventloop.New()
	bus := view.NewBus()
	model := view.NewModel(bus)

	chOpts := ws.DefaultChannelOptions()
	detectionCh := ws.NewChannel("detection", ep.Detection, chOpts, logging.Component(logger, "detection"))
	screenshotCh := ws.NewChannel("screenshot", ep.Screenshot, chOpts, logging.Component(logger, "screenshot"))

	relay := stream.NewRelay(logging.Component(logger, "mjpeg"))
	decoder := stream.NewFFmpegDecoder(cfg.Stream.FFmpegPath, cfg.Stream.FPS, logging.Component(logger, "ffmpeg"))
	source := stream.NewSource(stream.Options{
		URL:                ep.Stream,
		ManifestRetries:    cfg.Stream.ManifestRetries,
		ManifestRetryDelay: cfg.Stream.ManifestRetryDelay,
		StaleAfter:         cfg.Stream.StaleAfter,
	}, decoder, relay, logging.Component(logger, "stream"))

	session := capture.NewSession(capture.Options{
		MaxFrameWidth: cfg.Capture.MaxFrameWidth,
		Quality:       cfg.Capture.AnalyzeQuality,
		Saturation:    cfg.Capture.SaturationBoost,
		MinRegion:     cfg.Capture.MinRegion,
		Timeout:       cfg.Capture.AnalyzeTimeout,
	}, detectionCh, source, model, loop, m, logging.Component(logger, "capture"))

	shots := capture.NewScreenshots(capture.ScreenshotOptions{
		Quality:         cfg.Capture.CaptureQuality,
		PreviewTimeout:  cfg.Capture.PreviewTimeout,
		DownloadTimeout: cfg.Capture.DownloadTimeout,
	}, screenshotCh, source, model, loop, m, logging.Component(logger, "screenshots"))

	sup := supervisor.New(supervisor.Options{
		ReconnectInterval:   cfg.Reconnect.Interval,
		StreamRetryInterval: cfg.Reconnect.StreamRetryInterval,
		ReattachDelay:       cfg.Reconnect.ReattachDelay,
		ReattachAttempts:    cfg.Reconnect.ReattachAttempts,
		ProbeTimeout:        cfg.Stream.ProbeTimeout,
	}, loop, model, detectionCh, screenshotCh, source,
		probe.New(cfg.Stream.ProbeTimeout, logging.Component(logger, "probe")),
		session, m, logging.Component(logger, "supervisor"))

	detectionCh.Listen(sup.DetectionListener())
	screenshotCh.Listen(sup.ScreenshotListener())
	source.Listen(sup)

	m.BoolGaugeFunc("birdcam_detection_connected", "Whether the detection channel is open", func() bool {
		return model.Snapshot().Connection.Detection == ws.StateOpen.String()
	})
	m.BoolGaugeFunc("birdcam_stream_playing", "Whether the video stream is playing", source.Playing)
	m.GaugeFunc("birdcam_mjpeg_clients", "Connected MJPEG viewers", func() float64 {
		return float64(relay.ClientCount())
	})

	hub := ws.NewHub(m, logging.Component(logger, "events"))
	states, unsubscribe := bus.SubscribeChannel(32)

	var healthSrv *health.Server
	if cfg.GRPCAddr != "" {
		healthSrv = health.New(logging.Component(logger, "grpc"))
		bus.Subscribe(healthSrv)
	}

	var authenticator *auth.Authenticator
	if cfg.Auth.Enabled {
		authenticator, err = auth.NewAuthenticator(cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to set up authentication: %w", err)
		}
		logger.Info().Str("username", cfg.Auth.Username).Msg("control API authentication enabled")
	}

	api := server.New(server.Deps{
		Loop:        loop,
		Model:       model,
		Session:     session,
		Screenshots: shots,
		Supervisor:  sup,
		Auth:        authenticator,
		Metrics:     m,
		Events:      ws.NewHandler(hub, model.Snapshot, logging.Component(logger, "events")),
		Video:       relay,
		Snapshot:    stream.NewSnapshotHandler(source),
	}, logging.Component(logger, "http"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// The loop outlives the servers so shutdown work can still be posted.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go loop.Run(loopCtx)
	loop.Post(sup.Start)

	g.Go(func() error {
		hub.Run(ctx, states)
		return nil
	})

	httpSrv := newHTTPServer(cfg.HTTPAddr, api.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, httpSrv, logger)
	})

	if healthSrv != nil {
		g.Go(func() error {
			return serveGRPC(ctx, cfg.GRPCAddr, healthSrv, logger)
		})
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = loop.Call(shutdownCtx, func() {
		sup.Shutdown()
		session.Cancel()
	})
	if err != nil {
		logger.Warn().Err(err).Msg("supervisor shutdown incomplete")
	}
	source.Stop()
	detectionCh.Close()
	screenshotCh.Close()

	waitErr := g.Wait()
	unsubscribe()
	bus.Close()
	stopLoop()
	<-loop.Done()

	if errors.Is(waitErr, context.Canceled) {
		return nil
	}
	return waitErr
}
