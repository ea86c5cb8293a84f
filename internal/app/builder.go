package app

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/dealgate/dealer-sync-server/internal/api"
	"github.com/dealgate/dealer-sync-server/internal/config"
	"github.com/dealgate/dealer-sync-server/internal/db"
	"github.com/dealgate/dealer-sync-server/internal/dealers"
	"github.com/dealgate/dealer-sync-server/internal/jobs"
	"github.com/dealgate/dealer-sync-server/internal/lock"
	"github.com/dealgate/dealer-sync-server/internal/logger"
	"github.com/dealgate/dealer-sync-server/internal/notify"
	"github.com/dealgate/dealer-sync-server/internal/orchestrator"
	"github.com/dealgate/dealer-sync-server/internal/process"
	"github.com/dealgate/dealer-sync-server/internal/runs"
	"github.com/dealgate/dealer-sync-server/internal/telemetry"
	"github.com/dealgate/dealer-sync-server/internal/upstream"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// SyncAppOptions is a function that configures the sync app builder
type SyncAppOptions func(*syncAppConfig) error

// syncAppConfig builds a SyncApp using the builder pattern.
// It supports dependency injection for testing while providing sensible
// defaults for production.
type syncAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	database  *db.Connection
	redis     redis.UniversalClient
	locks     lock.Service
	runStore  runs.Store
	gateway   upstream.Gateway
	directory dealers.Directory
	notifier  notify.Notifier
	queue     jobs.Queue
	readiness api.ReadinessChecker

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
}

func baseConfig(opts ...SyncAppOptions) (*syncAppConfig, error) {
	cfg := &syncAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
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

// NewSyncApp creates a new builder with the given configuration
func NewSyncApp(
	ctx context.Context,
	opts ...SyncAppOptions,
) (*SyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.config.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// Ensure cleanup happens on error
	cleanupNeeded := true
	defer func() {
		if !cleanupNeeded {
			return
		}
		if cfg.database != nil {
			_ = cfg.database.Close()
		}
		if cfg.redis != nil {
			_ = cfg.redis.Close()
		}
	}()

	if cfg.database == nil {
		cfg.database, err = db.NewConnection(cfg.config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	}

	if err := buildLockService(ctx, cfg); err != nil {
		return nil, err
	}

	components, err := buildSyncComponents(cfg, tel)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	httpServer, err := buildHTTPServer(cfg, components, tel)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	components.Database = cfg.database
	components.Redis = cfg.redis
	components.Telemetry = tel

	return &SyncApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
		workerDone: make(chan struct{}),
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		parts := strings.SplitN(addr, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		host := parts[0]
		port := parts[1]

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

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithDatabase allows injecting an established database connection (for testing)
func WithDatabase(conn *db.Connection) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.database = conn
		return nil
	}
}

// WithLockService allows injecting a custom lock service (for testing)
func WithLockService(svc lock.Service) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.locks = svc
		return nil
	}
}

// WithRunStore allows injecting a custom run store (for testing)
func WithRunStore(store runs.Store) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.runStore = store
		return nil
	}
}

// WithUpstreamGateway allows injecting a custom upstream gateway (for testing)
func WithUpstreamGateway(gw upstream.Gateway) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.gateway = gw
		return nil
	}
}

// WithDealerDirectory allows injecting a custom dealer directory (for testing)
func WithDealerDirectory(d dealers.Directory) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.directory = d
		return nil
	}
}

// WithNotifier allows injecting a custom dealer notifier (for testing)
func WithNotifier(n notify.Notifier) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.notifier = n
		return nil
	}
}

// WithJobQueue allows injecting a custom job queue (for testing)
func WithJobQueue(q jobs.Queue) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.queue = q
		return nil
	}
}

// WithReadinessChecker allows injecting a custom readiness probe (for testing)
func WithReadinessChecker(rc api.ReadinessChecker) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.readiness = rc
		return nil
	}
}

// buildLockService connects to Redis when configured. A missing lock backend
// is not a startup error: admission fails closed per request instead, so the
// status endpoints stay reachable while Redis is being provisioned.
func buildLockService(ctx context.Context, cfg *syncAppConfig) error {
	if cfg.locks != nil {
		return nil
	}

	if cfg.config.Redis == nil || cfg.config.Redis.Address == "" {
		logger.Warn("No lock backend configured, batch sync admission will be rejected")
		return nil
	}

	client, err := lock.NewClient(ctx, cfg.config.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to lock backend: %w", err)
	}

	cfg.redis = client
	cfg.locks = lock.NewRedisService(client)
	return nil
}

// buildSyncComponents wires the stores, the orchestrator and the job worker
func buildSyncComponents(cfg *syncAppConfig, tel *telemetry.Telemetry) (*AppComponents, error) {
	logger.Info("Initializing sync components")

	syncCfg := cfg.config.Sync
	registry := process.NewStaticRegistry(syncCfg.ProcessTypes, syncCfg.PlannedProcessTypes)

	if cfg.runStore == nil {
		cfg.runStore = runs.NewStore(cfg.database.DB,
			runs.WithTracer(tel.Tracer("runs")))
	}
	if cfg.gateway == nil {
		cfg.gateway = upstream.NewGateway(cfg.database.DB,
			upstream.WithTracer(tel.Tracer("upstream")))
	}
	if cfg.directory == nil {
		cfg.directory = dealers.NewDirectory(cfg.database.DB,
			dealers.WithTracer(tel.Tracer("dealers")))
	}
	if cfg.queue == nil {
		cfg.queue = jobs.NewQueue(cfg.database.DB,
			jobs.WithTracer(tel.Tracer("jobs")))
	}
	if cfg.notifier == nil {
		var notifierOpts []notify.NotifierOption
		if wh := cfg.config.Webhook; wh != nil {
			notifierOpts = append(notifierOpts,
				notify.WithTimeout(wh.GetRequestTimeout()),
				notify.WithRetryMax(wh.GetRetryMax()))
		}
		cfg.notifier = notify.NewWebhookNotifier(notifierOpts...)
	}

	syncMetrics, err := telemetry.NewSyncMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}
	queueMetrics, err := telemetry.NewQueueMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create queue metrics: %w", err)
	}

	executor := jobs.NewExecutor(cfg.runStore, cfg.directory, cfg.notifier, cfg.locks,
		jobs.WithParallelism(syncCfg.GetFanoutParallelism()),
		jobs.WithLockLease(syncCfg.GetLockTTL(), syncCfg.GetLockRenewInterval()),
		jobs.WithSyncMetrics(syncMetrics),
		jobs.WithExecutorTracer(tel.Tracer("executor")),
	)

	worker := jobs.NewWorker(cfg.queue, executor,
		jobs.WithPollInterval(syncCfg.GetJobPollInterval()),
		jobs.WithVisibilityTimeout(syncCfg.GetJobVisibilityTimeout()),
		jobs.WithQueueMetrics(queueMetrics),
	)

	orch := orchestrator.New(registry, cfg.locks, cfg.runStore, cfg.gateway, cfg.queue,
		orchestrator.WithLockTTL(syncCfg.GetLockTTL()),
		orchestrator.WithTracer(tel.Tracer("orchestrator")),
	)

	logger.Info("Sync components initialized successfully")
	return &AppComponents{
		Orchestrator: orch,
		Worker:       worker,
	}, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(
	cfg *syncAppConfig,
	components *AppComponents,
	tel *telemetry.Telemetry,
) (*http.Server, error) {
	logger.Info("Initializing HTTP server")

	if cfg.middlewares == nil {
		cfg.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(cfg.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Metrics and tracing run first so rejected requests are still measured
	metricsMiddleware, err := telemetry.MetricsMiddleware(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
	}
	cfg.middlewares = append([]func(http.Handler) http.Handler{
		telemetry.TracingMiddleware(tel.TracerProvider()),
		metricsMiddleware,
	}, cfg.middlewares...)

	registry := process.NewStaticRegistry(
		cfg.config.Sync.ProcessTypes, cfg.config.Sync.PlannedProcessTypes)

	if cfg.readiness == nil {
		cfg.readiness = &storeReadiness{database: cfg.database, redis: cfg.redis}
	}

	serverOpts := []api.ServerOption{api.WithMiddlewares(cfg.middlewares...)}
	if cfg.config.Telemetry.PrometheusEnabled() {
		serverOpts = append(serverOpts, api.WithMetricsEndpoint())
		logger.Info("Prometheus scrape endpoint enabled at /metrics")
	}

	router := api.NewServer(
		components.Orchestrator,
		cfg.runStore,
		registry,
		cfg.readiness,
		serverOpts...,
	)

	return &http.Server{
		Addr:         cfg.address,
		Handler:      router,
		ReadTimeout:  cfg.readTimeout,
		WriteTimeout: cfg.writeTimeout,
		IdleTimeout:  cfg.idleTimeout,
	}, nil
}
