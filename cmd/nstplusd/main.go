// Nstplusd is the capture and session-state daemon for the NST+
// experiment rig.
//
// It owns the station's cameras (enumeration, attach/detach, health
// monitoring with bounded auto-restart), produces still-image capture
// artifacts with synthetic fallback, and serves the authoritative
// append-only session record with checksummed results export over
// HTTP.
//
// Configuration is loaded from a YAML file and environment variables.
// See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	nstplusd
//
//	# Configure via environment
//	SERVER_HTTP_PORT=8080 STORE_DRIVER=memory nstplusd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ipfsnut/nstplusd/internal/capture"
	"github.com/ipfsnut/nstplusd/internal/config"
	"github.com/ipfsnut/nstplusd/internal/device"
	"github.com/ipfsnut/nstplusd/internal/events"
	"github.com/ipfsnut/nstplusd/internal/httpapi"
	"github.com/ipfsnut/nstplusd/internal/logging"
	"github.com/ipfsnut/nstplusd/internal/queue"
	"github.com/ipfsnut/nstplusd/internal/results"
	"github.com/ipfsnut/nstplusd/internal/session"
	"github.com/ipfsnut/nstplusd/internal/stream"
	"github.com/ipfsnut/nstplusd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath = flag.String("config", "", "path to config.yaml (default: ~/.config/nstplusd/config.yaml)")

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  nstplusd           Start the nstplusd daemon\n")
			fmt.Fprintf(os.Stderr, "  nstplusd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

func printVersion() {
	fmt.Printf("nstplusd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Build the structured logger
//  3. Open infrastructure (session store, blob store, NATS)
//  4. Bring up the camera stack (backend, stream manager, capture)
//  5. Wire business services (session, results, capture queue)
//  6. Start the HTTP server, shut everything down in reverse on exit
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting nstplusd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()
	if tel.IsEnabled() {
		logger.Info("Telemetry enabled",
			zap.String("otlp_endpoint", cfg.Observability.OTLPEndpoint),
			zap.String("otlp_protocol", cfg.Observability.OTLPProtocol))
	}

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("Dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Bool("blob_store_ready", deps.blobs != nil))

	services, err := initServices(ctx, cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer services.Close()

	srv, err := httpapi.NewServer(
		services.sessions,
		services.results,
		services.streams,
		services.captureQueue,
		queue.Policy{EveryN: cfg.Capture.EveryN},
		logger,
		&httpapi.Config{Host: "0.0.0.0", Port: cfg.Server.Port},
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	return nil
}

// initTelemetry builds the telemetry providers from the observability
// config. The Prometheus bridge always runs so /metrics carries the
// service instruments; OTLP push requires enable_telemetry.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	tcfg.Endpoint = cfg.Observability.OTLPEndpoint
	tcfg.Protocol = cfg.Observability.OTLPProtocol
	tcfg.Insecure = cfg.Observability.OTLPInsecure
	return telemetry.New(ctx, tcfg)
}

// dependencies holds infrastructure handles.
type dependencies struct {
	store    session.Store
	blobs    session.BlobStore
	natsConn *nats.Conn
	logger   *zap.Logger
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("session store close error", zap.Error(err))
		}
	}
}

func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	switch cfg.Store.Driver {
	case "memory":
		deps.store = session.NewMemoryStore()
		logger.Info("Using in-memory session store")
	default:
		store, err := session.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		deps.store = store
		logger.Info("Session store opened", zap.String("path", cfg.Store.Path))
	}

	blobs, err := session.NewFSBlobStore(cfg.Store.BlobDir)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	deps.blobs = blobs

	if cfg.Events.Enabled {
		opts := []nats.Option{
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1 * time.Second),
		}
		if cfg.Events.Token.IsSet() {
			opts = append(opts, nats.Token(cfg.Events.Token.Value()))
		}
		nc, err := nats.Connect(cfg.Events.URL, opts...)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.URL, err)
		}
		deps.natsConn = nc
		logger.Info("Connected to NATS", zap.String("url", cfg.Events.URL))
	}

	return deps, nil
}

// services holds the business services.
type services struct {
	streams      *stream.Manager
	captures     *capture.Service
	captureQueue *queue.Queue
	sessions     *session.Service
	results      *results.Service
	logger       *zap.Logger
}

// Close drains the capture queue and releases the cameras.
func (s *services) Close() {
	if s.captureQueue != nil {
		if err := s.captureQueue.Close(); err != nil {
			s.logger.Warn("capture queue close error", zap.Error(err))
		}
	}
	if s.streams != nil {
		s.streams.Teardown()
	}
}

// uploaderAdapter feeds drained capture queue items into the session
// service.
type uploaderAdapter struct {
	sessions *session.Service
}

func (u *uploaderAdapter) UploadCapture(ctx context.Context, req queue.Request, pair capture.Pair) error {
	return u.sessions.StoreCapture(ctx, req.SessionID, req.TrialNumber, req.Position, pair)
}

func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) (*services, error) {
	var publisher events.Publisher = events.NopPublisher{}
	if deps.natsConn != nil {
		p, err := events.NewNATSPublisher(deps.natsConn, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		publisher = p
	}

	sessions, err := session.NewService(deps.store, deps.blobs, publisher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session service: %w", err)
	}

	resultsSvc, err := results.NewService(deps.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create results service: %w", err)
	}

	backend := device.NewGStreamerBackend(logger)
	streams, err := stream.NewManager(&stream.Config{
		Width:          cfg.Camera.Width,
		Height:         cfg.Camera.Height,
		HealthInterval: cfg.Camera.HealthInterval,
		RestartDelays: []time.Duration{
			cfg.Camera.RestartDelayShort,
			cfg.Camera.RestartDelayLong,
		},
	}, backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream manager: %w", err)
	}
	streams.Start(ctx)

	captures, err := capture.NewService(&capture.Config{
		FrameTimeout:  cfg.Capture.FrameTimeout,
		JPEGQuality:   cfg.Capture.JPEGQuality,
		DefaultWidth:  cfg.Capture.DefaultWidth,
		DefaultHeight: cfg.Capture.DefaultHeight,
	}, streams, logger)
	if err != nil {
		streams.Teardown()
		return nil, fmt.Errorf("failed to create capture service: %w", err)
	}

	captureQueue, err := queue.New(&queue.Config{MaxDepth: cfg.Queue.MaxDepth},
		captures, &uploaderAdapter{sessions: sessions}, logger)
	if err != nil {
		streams.Teardown()
		return nil, fmt.Errorf("failed to create capture queue: %w", err)
	}

	logger.Info("Services initialized",
		zap.Int("capture_every_n", cfg.Capture.EveryN),
		zap.Int("queue_max_depth", cfg.Queue.MaxDepth))

	return &services{
		streams:      streams,
		captures:     captures,
		captureQueue: captureQueue,
		sessions:     sessions,
		results:      resultsSvc,
		logger:       logger,
	}, nil
}
