// Package main is the entry point for the caseflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/action"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/eventbus"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/merge"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var (
	app        = kingpin.New("caseflow", "Case workflow and transition engine")
	configPath = app.Flag("config", "Path to the configuration file").Short('c').Envar("CASEFLOW_CONFIG").Default("config.yaml").String()
)

func main() {
	app.Version(version)
	kingpin.MustParse(app.Parse(os.Args[1:]))
	os.Exit(run())
}

func run() int {
	// Step 1: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 3: Open the case store.
	st, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("case store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// Step 4: Load workflow definitions into the store and registry.
	registry := definition.NewRegistry(nil)
	manager := definition.NewManager(st, registry, definition.NewValidator(), logger, metrics)
	if err := manager.Refresh(ctx); err != nil {
		logger.Error("loading stored workflows failed", zap.Error(err))
		return 1
	}

	watcher := definition.NewWatcher(cfg.Definitions.Directories, definition.NewLoader(), manager, logger)
	watcher.SetDebounce(cfg.Definitions.Debounce)
	if err := watcher.Load(ctx); err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	// Step 5: Build the action runner, event bus and engine.
	bus := eventbus.New()

	runner := action.NewRunner(cfg.Actions,
		action.WithLogger(logger),
		action.WithMetrics(metrics),
		action.WithJobTimeout(cfg.Actions.WebhookTimeout*2),
	)
	runner.Register(action.NotifyType, action.NewNotifier(bus))
	runner.Register(action.WebhookType, action.NewWebhook(cfg.Actions, metrics))

	engine := workflow.NewEngine(registry, st,
		workflow.WithDispatcher(runner),
		workflow.WithEventBus(bus),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)
	merges := merge.NewCoordinator(engine, st,
		merge.WithEventBus(bus),
		merge.WithLogger(logger),
		merge.WithMetrics(metrics),
	)

	// Step 6: Idempotency store and authentication.
	idemStore, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	var secret []byte
	if cfg.Identity.SecretEnv != "" {
		secret = []byte(os.Getenv(cfg.Identity.SecretEnv))
	}
	authenticate, err := transport.NewAuthenticator(cfg.Identity, secret)
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Build the HTTP router.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		CaseStore:         st,
	}
	if idemStore != nil {
		readiness.IdempotencyStore = observability.CheckFunc(idemStore.Ping)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: authenticate,
		Engine:       engine,
		Definitions:  manager,
		Merges:       merges,
		Bus:          bus,
		Idempotency:  idemStore,
		Readiness:    readiness,
	})

	// WriteTimeout is zero unless configured: /v1/events holds connections open.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	runner.Start(bgCtx)
	if cfg.Definitions.HotReload {
		go func() {
			if err := watcher.Watch(bgCtx); err != nil {
				logger.Error("definition watcher stopped", zap.Error(err))
			}
		}()
	}

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("workflows", registry.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Drain queued actions before the stores close.
	runner.Stop()
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore opens the case store named by cfg.Driver.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory case store")
		return store.NewMemoryStore(), nil, nil
	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("case store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("case store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("case store: migrate: %w", err)
			}
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported case store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case config.DriverRedis:
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	}
}
