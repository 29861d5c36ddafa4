package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
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

	log := logger.New(cfg.Env)
	log.Info("starting import worker", "env", cfg.Env, "region", cfg.GetNALDRegion())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		results, err := db.RunMigrations(ctx, pool, migrations.FS)
		for _, r := range results {
			log.Info("migration applied", "version", r.Version, "source", r.Source, "duration", r.Duration)
		}
		return err
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}

	queue, err := scheduler.NewQueue(cfg, log)
	if err != nil {
		log.Error("failed to initialize job queue", "error", err)
		panic("failed to initialize job queue: " + err.Error())
	}
	defer func() { _ = queue.Close() }()

	notifier := notify.Fanout{notify.NewLogNotifier(log)}
	if mailer := notify.NewSMTPNotifier(cfg, log); mailer != nil {
		notifier = append(notifier, mailer)
		log.Info("alert email enabled", "recipients", len(cfg.GetAlertRecipients()))
	}

	var probe importer.SnapshotSource
	snapshots, err := nald.NewSnapshotProbe(cfg)
	if err != nil {
		log.Error("failed to initialize snapshot probe", "error", err)
		panic("failed to initialize snapshot probe: " + err.Error())
	}
	if snapshots != nil {
		probe = snapshots
	} else {
		log.Warn("object storage not configured; every scheduled run imports")
	}

	loader := target.NewLoader(pool)
	imp := importer.New(nald.NewExtractor(pool, cfg.GetNALDRegion()), loader, probe, notifier, log)
	graph, err := imp.Graph(cfg.GetImportSchedule())
	if err != nil {
		log.Error("invalid stage graph", "error", err)
		panic("invalid stage graph: " + err.Error())
	}

	orch := pipeline.NewOrchestrator(graph, queue, notifier, pipeline.SettingsFrom(cfg), log)
	orch.SetRunRecorder(loader)
	orch.OnFailure(imp.InvalidateSnapshot)
	if err := orch.Register(); err != nil {
		log.Error("failed to register stages", "error", err)
		panic("failed to register stages: " + err.Error())
	}

	cron, err := scheduler.NewCron(cfg, queue, log)
	if err != nil {
		log.Error("failed to initialize cron", "error", err)
		panic("failed to initialize cron: " + err.Error())
	}
	if _, err := cron.RegisterRoots(graph, cfg.GetImportSchedule(), orch.PublishOptionsFor); err != nil {
		log.Error("failed to schedule root stages", "error", err)
		panic("failed to schedule root stages: " + err.Error())
	}
	go func() {
		if err := cron.Run(ctx); err != nil {
			log.Error("cron stopped", "error", err)
		}
	}()

	cleanup := scheduler.NewRunCleanup(loader, log,
		getDurationEnv("RUN_CLEANUP_INTERVAL", time.Hour),
		cfg.GetRunRetention(),
		cfg.GetFailedRunRetention(),
	)
	go cleanup.Run(ctx)

	engine := router.New(&apphttp.App{
		Config:  cfg,
		Logger:  log,
		Health:  map[string]apphttp.HealthChecker{"postgres": pool, "redis": queue},
		Modules: []apphttp.Module{control.NewModule(orch, loader, validator.New())},
	})
	srv := &http.Server{Addr: cfg.GetWorkerHTTPAddr(), Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("worker status server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := queue.Run(ctx); err != nil {
		log.Error("queue worker stopped", "error", err)
	}
	log.Info("import worker stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
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

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}
