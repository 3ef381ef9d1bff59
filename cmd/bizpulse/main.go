// Command bizpulse is the BizPulse analytics caching and alerting server.
//
// Subcommands:
//
//	serve    — HTTP server + embedded worker pool and scheduler
//	worker   — standalone worker pool only (scaled deployments)
//	migrate  — run pending database migrations and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/jcroft/bizpulse/internal/alert"
	"github.com/jcroft/bizpulse/internal/api"
	"github.com/jcroft/bizpulse/internal/cache"
	"github.com/jcroft/bizpulse/internal/config"
	"github.com/jcroft/bizpulse/internal/kpi"
	"github.com/jcroft/bizpulse/internal/notify"
	"github.com/jcroft/bizpulse/internal/store"
	"github.com/jcroft/bizpulse/internal/worker"
	"github.com/jcroft/bizpulse/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "bizpulse",
		Short: "BizPulse — KPI analytics caching and alert evaluation",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server with embedded worker pool and scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	deps, err := buildServices(cfg, st, logger)
	if err != nil {
		return err
	}

	// Embedded worker pool + scheduler. Both run until ctx is cancelled, at
	// which point in-flight jobs complete and the goroutines exit before or
	// alongside HTTP server shutdown.
	pool := newWorkerPool(st, deps, logger)
	go pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	sched := worker.NewScheduler(st,
		cfg.EvaluationInterval, cfg.EscalationInterval, cfg.CacheCleanupInterval, logger)
	go sched.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	handler := api.NewServer(st, cfg, deps.cache, deps.invalidator, deps.tasks, logger).Handler()

	// Explicit timeouts required to prevent Slowloris attacks. WriteTimeout
	// intentionally omitted; all endpoints here are small JSON responses.
	srv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	deps, err := buildServices(cfg, st, logger)
	if err != nil {
		return err
	}

	slog.Info("worker started")
	// Blocks until ctx cancelled, then drains in-flight jobs.
	newWorkerPool(st, deps, logger).Start(ctx)
	return nil
}

// ── service wiring ────────────────────────────────────────────────────────────

// services bundles the per-process instances shared by the HTTP layer and
// the worker pool.
type services struct {
	cache       *cache.AnalyticsCache
	invalidator *cache.Invalidator
	registry    *kpi.Registry
	tasks       *alert.Tasks
}

// buildServices constructs the cache, KPI calculator chain, notification
// dispatcher, and alerting services from config.
//
// The KPI registry starts empty: the business metric computations are
// supplied by the embedding deployment via registry.Register.
func buildServices(cfg *config.Config, st *store.Store, logger *slog.Logger) (*services, error) {
	policy := cache.TTLPolicy{
		cache.CategoryRawQuery:    cfg.CacheTTLRawQuery,
		cache.CategoryKPI:         cfg.CacheTTLKPI,
		cache.CategoryChart:       cfg.CacheTTLChart,
		cache.CategoryAggregation: cfg.CacheTTLAggregation,
		cache.CategoryReport:      cfg.CacheTTLReport,
		cache.CategoryForecast:    cfg.CacheTTLForecast,
	}
	analyticsCache, err := cache.New(cache.NewMemoryStore(), policy, cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	registry := kpi.NewRegistry()
	calc := kpi.NewCachedCalculator(registry, analyticsCache, cfg.KPIComputeTimeout, logger)

	invalidator := cache.NewInvalidator(analyticsCache,
		func(ctx context.Context, kpiType, kpiName string) (any, error) {
			return calc.Compute(ctx, kpiType, kpiName, nil)
		}, logger)

	httpClient, err := notify.BuildSafeClient()
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}
	dispatcher := notify.NewService(notify.SmtpConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}, httpClient, logger)

	evaluator := alert.NewEvaluator(st, calc, dispatcher, logger)
	escalator := alert.NewEscalator(st, dispatcher, nil, logger)
	tasks := alert.NewTasks(evaluator, escalator, logger)

	return &services{
		cache:       analyticsCache,
		invalidator: invalidator,
		registry:    registry,
		tasks:       tasks,
	}, nil
}

// newWorkerPool registers the periodic job handlers on a fresh pool.
func newWorkerPool(st *store.Store, deps *services, logger *slog.Logger) *worker.Pool {
	pool := worker.New(st, logger)
	pool.Register(worker.QueueEvaluate, func(ctx context.Context, _ json.RawMessage) error {
		if res := deps.tasks.RunEvaluation(ctx); res.Status == alert.TaskFailed {
			return errors.New(res.Error)
		}
		return nil
	})
	pool.Register(worker.QueueEscalate, func(ctx context.Context, _ json.RawMessage) error {
		if res := deps.tasks.RunEscalations(ctx); res.Status == alert.TaskFailed {
			return errors.New(res.Error)
		}
		return nil
	})
	pool.Register(worker.QueueCacheCleanup, func(ctx context.Context, _ json.RawMessage) error {
		removed := deps.cache.Cleanup()
		logger.Info("cache cleanup swept stale entries", "removed", removed)
		return nil
	})
	return pool
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool. Retries up to 10 times with linear
// backoff to handle container startup race where Postgres is not immediately
// ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `bizpulse migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 2

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
