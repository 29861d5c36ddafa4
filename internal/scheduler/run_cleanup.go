package scheduler

import (
	"context"
	"time"

	"nald_import/platform/logger"
)

const (
	defaultRunCleanupInterval  = time.Hour
	defaultSucceededRetention  = 14 * 24 * time.Hour
	defaultFailedRunsRetention = 30 * 24 * time.Hour
)

// RunPruner deletes recorded stage runs that finished before the cut-offs.
type RunPruner interface {
	DeleteRunsBefore(ctx context.Context, succeededBefore, failedBefore time.Time) (int64, error)
}

// RunCleanup periodically removes old stage run records.
type RunCleanup struct {
	pruner             RunPruner
	log                *logger.Logger
	interval           time.Duration
	succeededRetention time.Duration
	failedRetention    time.Duration
	now                func() time.Time
}

func NewRunCleanup(pruner RunPruner, log *logger.Logger, interval, succeededRetention, failedRetention time.Duration) *RunCleanup {
	if interval <= 0 {
		interval = defaultRunCleanupInterval
	}
	if succeededRetention <= 0 {
		succeededRetention = defaultSucceededRetention
	}
	if failedRetention <= 0 {
		failedRetention = defaultFailedRunsRetention
	}

	return &RunCleanup{
		pruner:             pruner,
		log:                log,
		interval:           interval,
		succeededRetention: succeededRetention,
		failedRetention:    failedRetention,
		now:                time.Now,
	}
}

func (c *RunCleanup) Run(ctx context.Context) {
	if c == nil || c.pruner == nil {
		return
	}

	c.cleanup(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *RunCleanup) cleanup(ctx context.Context) {
	now := c.now()
	succeededBefore := now.Add(-c.succeededRetention)
	failedBefore := now.Add(-c.failedRetention)

	deleted, err := c.pruner.DeleteRunsBefore(ctx, succeededBefore, failedBefore)
	if err != nil {
		c.log.Warn("stage run cleanup failed", "error", err)
		return
	}

	if deleted > 0 {
		c.log.Info("stage run cleanup deleted finished runs", "deleted", deleted)
	}
}
