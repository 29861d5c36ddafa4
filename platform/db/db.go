// Package db opens the target database pool and applies migrations.
package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"nald_import/platform/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName tags import sessions in pg_stat_activity.
const ApplicationName = "nald_import"

const minIdleConns = 2

// NewPool opens a pool sized for the import's queue and fan-out workers and
// verifies the server answers before returning it.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := poolConfigFor(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func poolConfigFor(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	maxConns := int32(max(cfg.GetDatabaseMaxConns(), minIdleConns))
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = min(maxConns, minIdleConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	params := poolConfig.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = ApplicationName
	}
	// Bulk address and party upserts can run long on a full extract; a hung
	// statement still has to give its connection back.
	if timeout := cfg.GetStatementTimeout(); timeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(timeout.Milliseconds(), 10)
	}
	return poolConfig, nil
}
