package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hermesosint/hermes/internal/cache"
	"github.com/hermesosint/hermes/internal/config"
	"github.com/hermesosint/hermes/internal/execution"
	"github.com/hermesosint/hermes/internal/fetch"
	"github.com/hermesosint/hermes/internal/gateway/httpapi"
	"github.com/hermesosint/hermes/internal/guard"
	"github.com/hermesosint/hermes/internal/observability"
	"github.com/hermesosint/hermes/internal/proxy"
	"github.com/hermesosint/hermes/internal/ratelimit"
	"github.com/hermesosint/hermes/internal/sandbox"
	"github.com/hermesosint/hermes/internal/scheduler"
	"github.com/hermesosint/hermes/internal/storage"
	pgstore "github.com/hermesosint/hermes/internal/storage/postgres"
	sqlitestore "github.com/hermesosint/hermes/internal/storage/sqlite"
	"github.com/hermesosint/hermes/internal/tools"
)

// SharedComponents holds every initialized subsystem the commands need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // SQLite or PostgreSQL.
	Obs    *observability.Observability

	Limiter   *ratelimit.Limiter
	Guard     *guard.Guard
	Proxies   *proxy.Pool // nil = direct connections only.
	Pipeline  *fetch.Pipeline
	Fetcher   fetch.Fetcher // Pipeline, instrumented when observability is on.
	Sandbox   *sandbox.Sandbox
	Strategy  execution.Strategy
	Scheduler *scheduler.Pool
	Cache     *cache.Cache // nil = result cache disabled.
	Adapters  *tools.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization.
// Callers must call sc.Cleanup() when done, including on error paths
// after a non-nil return.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}
	if err := sc.init(); err != nil {
		sc.Cleanup()
		return nil, err
	}
	return sc, nil
}

func (sc *SharedComponents) init() error {
	cfg, logger := sc.Config, sc.Logger

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	})
	metrics, tracer, anomaly := obs.Metrics, obs.Tracing, obs.Anomaly

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrating storage: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	sc.addHealthCheck("storage", store.Ping)

	// Durable rate limiter.
	var limiterOpts []ratelimit.Option
	if metrics != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithRecorder(metrics))
	}
	sc.Limiter = ratelimit.New(store.RateWindows(), policiesFrom(cfg), logger, limiterOpts...)

	// URL guard.
	var guardOpts []guard.Option
	if cfg.Fetch != nil && cfg.Fetch.DNSServer != "" {
		guardOpts = append(guardOpts, guard.WithDNSServer(cfg.Fetch.DNSServer))
	}
	sc.Guard = guard.New(guardOpts...)

	// Proxy pool.
	if cfg.Proxy != nil {
		sc.Proxies = proxy.NewPool(logger)
		path := cfg.ProxyFile()
		if _, err := sc.Proxies.Load(path); err != nil {
			switch {
			case errors.Is(err, os.ErrNotExist):
				logger.Debug("no proxy list yet", slog.String("path", path))
			case errors.Is(err, proxy.ErrChecksumMismatch):
				logger.Warn("proxy list rejected, continuing without proxies", slog.String("path", path))
			default:
				return fmt.Errorf("loading proxy list: %w", err)
			}
		}
	}

	// Fetch pipeline.
	fetchOpts := []fetch.Option{fetch.WithGuard(sc.Guard), fetch.WithLimiter(sc.Limiter)}
	if sc.Proxies != nil {
		fetchOpts = append(fetchOpts, fetch.WithPool(sc.Proxies))
	}
	sc.Pipeline = fetch.New(fetch.ConfigFrom(cfg.Fetch), logger, fetchOpts...)
	sc.addCleanup(sc.Pipeline.Close)
	sc.Fetcher = sc.Pipeline
	if obs.Instrumented() {
		sc.Fetcher = observability.NewInstrumentedFetcher(sc.Pipeline, metrics, tracer, anomaly)
	}

	// Execution strategies.
	if err := sc.initExecution(metrics, tracer, anomaly); err != nil {
		return err
	}

	// Priority scheduler.
	var schedOpts []scheduler.Option
	if metrics != nil {
		schedOpts = append(schedOpts, scheduler.WithMetrics(scheduler.NewMetrics(metrics.Registry)))
	}
	sc.Scheduler = scheduler.New(cfg.Scheduler, logger, schedOpts...)
	if err := sc.Scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	sc.addCleanup(sc.Scheduler.Stop)

	// Result cache.
	if cfg.Cache != nil && cfg.Cache.Enabled {
		sc.Cache = cache.New(store.Results(), sc.Limiter, cfg.Cache.TTL(), logger)
		logger.Debug("result cache enabled", slog.Duration("ttl", cfg.Cache.TTL()))
	}

	// Tool adapters.
	var execCfg execution.Config
	if cfg.Execution != nil {
		execCfg.Proxy = cfg.Execution.Proxy
	}
	sc.Adapters = tools.DefaultAdapters(sc.Strategy, execCfg)

	return nil
}

// initExecution builds the sandbox and the configured strategy.
func (sc *SharedComponents) initExecution(metrics *observability.MetricsCollector, tracer *observability.TracerSetup, anomaly *observability.AnomalyDetector) error {
	cfg, logger := sc.Config, sc.Logger
	mode := cfg.Execution.ExecMode()
	native := execution.NewNative(logger)

	sb, err := initSandbox(cfg, logger)
	if err != nil {
		if mode != execution.ModeNative {
			return fmt.Errorf("initializing sandbox: %w", err)
		}
		logger.Warn("sandbox unavailable, native execution only", slog.String("error", err.Error()))
		sc.Strategy = sc.instrument(native, metrics, tracer, anomaly)
		return nil
	}
	sc.Sandbox = sb
	// Hybrid mode still serves native tools without Docker.
	if mode == execution.ModeDocker {
		sc.Obs.Health.AddCheck("docker", sb.Ping)
	} else {
		sc.Obs.Health.AddOptionalCheck("docker", sb.Ping)
	}

	var runner execution.ContainerRunner = sb
	if sc.Obs.Instrumented() {
		runner = observability.NewInstrumentedSandbox(sb, metrics, tracer, anomaly)
	}
	strategy, err := execution.New(mode, native, execution.NewContainer(runner, logger), logger)
	if err != nil {
		return err
	}
	sc.Strategy = sc.instrument(strategy, metrics, tracer, anomaly)
	logger.Debug("execution strategy initialized", slog.String("mode", strategy.Name()))
	return nil
}

func (sc *SharedComponents) instrument(s execution.Strategy, metrics *observability.MetricsCollector, tracer *observability.TracerSetup, anomaly *observability.AnomalyDetector) execution.Strategy {
	if !sc.Obs.Instrumented() {
		return s
	}
	return observability.NewInstrumentedStrategy(s, metrics, tracer, anomaly)
}

func (sc *SharedComponents) addHealthCheck(name string, check func(ctx context.Context) error) {
	sc.Obs.Health.AddCheck(name, check)
}

// initSandbox connects to the container runtime. It does not ping.
func initSandbox(cfg *config.Config, logger *slog.Logger) (*sandbox.Sandbox, error) {
	var endpoint string
	if cfg.Sandbox != nil {
		endpoint = cfg.Sandbox.DockerEndpoint
	}
	rt, err := sandbox.NewRuntime(endpoint)
	if err != nil {
		return nil, err
	}
	catalog, err := sandbox.CatalogFrom(cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	return sandbox.New(rt, catalog, sandbox.LimitsFrom(cfg.Sandbox), logger), nil
}

// policiesFrom converts configured limits into limiter policies and adds
// the per-user API family.
func policiesFrom(cfg *config.Config) map[string]ratelimit.Policy {
	policies := make(map[string]ratelimit.Policy, len(cfg.RateLimits)+1)
	for id, rl := range cfg.RateLimits {
		policies[id] = ratelimit.Policy{MaxCalls: rl.MaxCalls, Window: rl.Window()}
	}
	api := ratelimit.Policy{MaxCalls: 60, Window: time.Minute}
	if cfg.API != nil && cfg.API.RateLimit.MaxCalls > 0 {
		api = ratelimit.Policy{MaxCalls: cfg.API.RateLimit.MaxCalls, Window: cfg.API.RateLimit.Window()}
	}
	if _, ok := policies[httpapi.APIResource]; !ok {
		policies[httpapi.APIResource] = api
	}
	return policies
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or HERMES_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}
