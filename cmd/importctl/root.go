package main

import (
	"context"
	"fmt"

	"nald_import/internal/importer"
	"nald_import/internal/nald"
	"nald_import/internal/notify"
	"nald_import/internal/pipeline"
	"nald_import/internal/target"
	"nald_import/platform/config"
	"nald_import/platform/db"
	"nald_import/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "importctl",
	Short: "Operate the NALD import pipeline",
	Long: `importctl applies migrations, triggers import stages on the shared queue,
purges stage queues, and lists recorded stage runs.

Configuration is read from the environment (and .env) like the api and worker.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.AddCommand(migrateCmd, stagesCmd, triggerCmd, deleteQueueCmd, runsCmd, runCmd)
}

// env is the shared setup of every subcommand.
type env struct {
	cfg  *config.Config
	log  *logger.Logger
	pool *pgxpool.Pool
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Env)

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &env{cfg: cfg, log: log, pool: pool}, nil
}

func (e *env) Close() {
	e.pool.Close()
}

// graph builds the stage table backed by the database.
func (e *env) graph(probe importer.SnapshotSource, notifier notify.Notifier) (*pipeline.Graph, *importer.Importer, *target.Loader, error) {
	loader := target.NewLoader(e.pool)
	imp := importer.New(nald.NewExtractor(e.pool, e.cfg.GetNALDRegion()), loader, probe, notifier, e.log)
	g, err := imp.Graph(e.cfg.GetImportSchedule())
	return g, imp, loader, err
}
