package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/toolhive-ingest/internal/api"
	"github.com/stacklok/toolhive-ingest/internal/cache"
	"github.com/stacklok/toolhive-ingest/internal/config"
	"github.com/stacklok/toolhive-ingest/internal/db"
	"github.com/stacklok/toolhive-ingest/internal/httpclient"
	"github.com/stacklok/toolhive-ingest/internal/keeper"
	"github.com/stacklok/toolhive-ingest/internal/logger"
	"github.com/stacklok/toolhive-ingest/internal/offload"
	"github.com/stacklok/toolhive-ingest/internal/pipeline"
	"github.com/stacklok/toolhive-ingest/internal/progress"
	"github.com/stacklok/toolhive-ingest/internal/sources"
	"github.com/stacklok/toolhive-ingest/internal/status"
	"github.com/stacklok/toolhive-ingest/internal/sync"
	"github.com/stacklok/toolhive-ingest/internal/sync/coordinator"
	"github.com/stacklok/toolhive-ingest/internal/sync/state"
	"github.com/stacklok/toolhive-ingest/internal/sync/writer"
	"github.com/stacklok/toolhive-ingest/internal/telemetry"
	"github.com/stacklok/toolhive-ingest/internal/views"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultMaxIdleConns   = 5
)

// streamingPaths are long-lived responses exempt from the request timeout
var streamingPaths = []string{"/pipeline/events"}

// IngestAppOptions is a function that configures the ingest app builder
type IngestAppOptions func(*ingestAppConfig) error

type ingestAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	sqlDB      *sql.DB
	telemetry  *telemetry.Telemetry
	adapters   []sources.Adapter
	httpClient httpclient.Client

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	idleTimeout    time.Duration
}

func baseConfig(opts ...IngestAppOptions) (*ingestAppConfig, error) {
	cfg := &ingestAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return cfg, nil
}

// NewIngestApp wires every component from the configuration
func NewIngestApp(ctx context.Context, opts ...IngestAppOptions) (*IngestApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components := &AppComponents{}
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			components.close(context.WithoutCancel(ctx))
		}
	}()

	if err := buildInfrastructure(ctx, cfg, components); err != nil {
		return nil, err
	}

	if err := buildPipeline(ctx, cfg, components); err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	httpServer, err := buildHTTPServer(ctx, cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	return &IngestApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) IngestAppOptions {
	return func(cfg *ingestAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) IngestAppOptions {
	return func(cfg *ingestAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) IngestAppOptions {
	return func(cfg *ingestAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithDatabase injects an open database handle instead of connecting from configuration
func WithDatabase(sqlDB *sql.DB) IngestAppOptions {
	return func(cfg *ingestAppConfig) error {
		cfg.sqlDB = sqlDB
		return nil
	}
}

// WithTelemetry injects telemetry instead of building it from configuration
func WithTelemetry(t *telemetry.Telemetry) IngestAppOptions {
	return func(cfg *ingestAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// WithAdapters replaces the adapters built from the configured sources
func WithAdapters(adapters ...sources.Adapter) IngestAppOptions {
	return func(cfg *ingestAppConfig) error {
		cfg.adapters = adapters
		return nil
	}
}

// WithHTTPClient sets the client used by API sources
func WithHTTPClient(client httpclient.Client) IngestAppOptions {
	return func(cfg *ingestAppConfig) error {
		cfg.httpClient = client
		return nil
	}
}

// buildInfrastructure sets up telemetry, the database and the offload bridge
func buildInfrastructure(ctx context.Context, b *ingestAppConfig, c *AppComponents) error {
	if b.telemetry == nil {
		t, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(b.config.Telemetry))
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		b.telemetry = t
	}
	c.Telemetry = b.telemetry

	if b.sqlDB == nil {
		conn, err := db.NewConnection(ctx, b.config.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		c.Database = conn
		b.sqlDB = conn.DB
	}

	c.Bridge = offload.New(b.config.Offload.Workers, b.config.Offload.QueueSize)
	c.Bridge.Start()
	return nil
}

// buildPipeline builds the stores, adapters, orchestrator and scheduler
func buildPipeline(ctx context.Context, b *ingestAppConfig, c *AppComponents) error {
	logger.Info("Initializing pipeline components")
	cfg := b.config

	metrics, err := telemetry.NewPipelineMetrics(c.Telemetry.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	if err := metrics.ObserveBridge(func() (int, int) {
		s := c.Bridge.Stats()
		return s.Queued, s.Active
	}); err != nil {
		return fmt.Errorf("failed to observe offload bridge: %w", err)
	}

	c.Events = progress.NewBroadcaster(
		progress.WithBufferSize(cfg.Progress.BufferSize),
		progress.WithDropHook(metrics.RecordDroppedEvent),
	)

	checkpoints, err := state.NewStore(cfg, b.sqlDB)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	c.Runs, err = status.NewRunStore(cfg, b.sqlDB)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	runLock, err := status.NewRunLock(cfg, b.sqlDB)
	if err != nil {
		return fmt.Errorf("failed to create run lock: %w", err)
	}

	adapters := b.adapters
	if adapters == nil {
		recordWriter, err := writer.NewRecordWriter(b.sqlDB)
		if err != nil {
			return fmt.Errorf("failed to create record writer: %w", err)
		}
		var factoryOpts []sources.FactoryOption
		if b.httpClient != nil {
			factoryOpts = append(factoryOpts, sources.WithHTTPClient(b.httpClient))
		}
		adapters, err = sources.NewAdapters(cfg.Sources, recordWriter, factoryOpts...)
		if err != nil {
			return fmt.Errorf("failed to create source adapters: %w", err)
		}
	}

	syncer := sync.NewSyncer(c.Bridge, checkpoints, c.Events,
		sync.WithBatchSize(cfg.Pipeline.BatchSize),
		sync.WithBatchHook(func(source string, committed int) {
			logger.Debugf("Source %s committed a batch of %d record(s)", source, committed)
		}),
	)

	c.Keeper = keeper.New(b.sqlDB,
		keeper.WithMaxAttempts(cfg.Keeper.MaxAttempts),
		keeper.WithProbeTimeout(cfg.Keeper.GetProbeTimeout()),
		keeper.WithInitialBackoff(cfg.Keeper.GetInitialBackoff()),
		keeper.WithIdleReset(keeper.ResetIdleConns(b.sqlDB, maxIdleConns(cfg))),
		keeper.WithRunner(c.Bridge.Run),
	)

	pipelineOpts := []pipeline.Option{
		pipeline.WithProber(c.Keeper, cfg.Keeper.KeepAliveInterval()),
		pipeline.WithInvalidator(cache.NewInvalidator(b.sqlDB, cache.WithChunkSize(cfg.Cache.ChunkSize))),
		pipeline.WithPublisher(c.Events),
		pipeline.WithRunLock(runLock),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracerProvider(c.Telemetry.TracerProvider()),
	}
	if len(cfg.Views.Names) > 0 {
		pipelineOpts = append(pipelineOpts,
			pipeline.WithRefresher(views.NewRefresher(b.sqlDB, cfg.Views.Names, cfg.Views.Concurrently)))
	}

	c.Orchestrator, err = pipeline.New(adapters, syncer, c.Runs, c.Bridge, pipelineOpts...)
	if err != nil {
		return err
	}

	// Runs left RUNNING by a previous process can never finish
	interrupted, err := c.Orchestrator.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	if interrupted > 0 {
		logger.Warnf("Marked %d interrupted pipeline run(s) as FAILED", interrupted)
	}
	c.Coordinator = coordinator.New(c.Orchestrator, cfg.Pipeline.ScheduleInterval())

	logger.Infof("Pipeline components initialized with %d source(s)", len(adapters))
	return nil
}

func maxIdleConns(cfg *config.Config) int {
	if cfg.Database != nil && cfg.Database.MaxIdleConns > 0 {
		return cfg.Database.MaxIdleConns
	}
	return defaultMaxIdleConns
}

// buildHTTPServer builds the HTTP server with router and middleware
//
//nolint:unparam // we prefer having a similar interface
func buildHTTPServer(_ context.Context, b *ingestAppConfig, c *AppComponents) (*http.Server, error) {
	logger.Info("Initializing HTTP server")

	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			exceptStreaming(middleware.Timeout(b.requestTimeout)),
			api.LoggingMiddleware,
		}
	}

	// Telemetry goes first so rejected and timed out requests are counted too
	httpMetrics, err := telemetry.NewHTTPMetrics(c.Telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}
	middlewares := append([]func(http.Handler) http.Handler{
		httpMetrics.Middleware,
		telemetry.TracingMiddleware(c.Telemetry.TracerProvider()),
	}, b.middlewares...)

	router := api.NewServer(c.Orchestrator,
		api.WithMiddlewares(middlewares...),
		api.WithReadiness(c.Keeper.Probe),
		api.WithMetricsHandler(c.Telemetry.MetricsHandler()),
		api.WithEvents(c.Events),
	)

	// No WriteTimeout: progress streams stay open for the length of a run
	server := &http.Server{
		Addr:              b.address,
		Handler:           router,
		ReadTimeout:       b.readTimeout,
		ReadHeaderTimeout: b.readTimeout,
		IdleTimeout:       b.idleTimeout,
	}
	// Progress streams only end with their subscription; close them all so Shutdown is not held up
	server.RegisterOnShutdown(c.Events.CloseAll)

	logger.Infof("HTTP server configured on %s", b.address)
	return server, nil
}

// exceptStreaming applies mw to every request outside streamingPaths
func exceptStreaming(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range streamingPaths {
				if r.URL.Path == p || strings.HasPrefix(r.URL.Path, p+"/") {
					next.ServeHTTP(w, r)
					return
				}
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}
