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

	"nald_import/internal/control"
	apphttp "nald_import/internal/http"
	"nald_import/internal/http/router"
	"nald_import/internal/importer"
	"nald_import/internal/nald"
	"nald_import/internal/notify"
	"nald_import/internal/pipeline"
	"nald_import/internal/scheduler"
	"nald_import/internal/target"
	"nald_import/migrations"
	"nald_import/platform/config"
	"nald_import/platform/db"
	"nald_import/platform/logger"
	"nald_import/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		_, err := db.RunMigrations(ctx, pool, migrations.FS)
		return err
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	// Publish-only: stage handlers run in cmd/worker.
	queue, err := scheduler.NewQueue(cfg, log)
	if err != nil {
		log.Error("failed to initialize job queue", "error", err)
		panic("failed to initialize job queue: " + err.Error())
	}
	defer func() { _ = queue.Close() }()

	// ========================================================================
	// Import Pipeline (Composition Root)
	// ========================================================================

	notifier := notify.NewLogNotifier(log)
	loader := target.NewLoader(pool)
	imp := importer.New(nald.NewExtractor(pool, cfg.GetNALDRegion()), loader, nil, notifier, log)
	graph, err := imp.Graph(cfg.GetImportSchedule())
	if err != nil {
		log.Error("invalid stage graph", "error", err)
		panic("invalid stage graph: " + err.Error())
	}
	orch := pipeline.NewOrchestrator(graph, queue, notifier, pipeline.SettingsFrom(cfg), log)

	app := &apphttp.App{
		Config:  cfg,
		Logger:  log,
		Health:  map[string]apphttp.HealthChecker{"postgres": pool, "redis": queue},
		Modules: []apphttp.Module{control.NewModule(orch, loader, validator.New())},
	}

	srv := &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
