package target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nald_import/internal/pipeline"

	"github.com/jackc/pgx/v5"
)

const snapshotStateKey = "nald.snapshot.etag"

// LastSnapshot returns the etag of the last imported extract, or "" when
// nothing has been imported yet.
func (l *Loader) LastSnapshot(ctx context.Context) (string, error) {
	var etag string
	err := l.db.QueryRow(ctx, `SELECT value FROM import_state WHERE key = $1`, snapshotStateKey).Scan(&etag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read snapshot state: %w", err)
	}
	return etag, nil
}

// SaveSnapshot records etag as the last imported extract.
func (l *Loader) SaveSnapshot(ctx context.Context, etag string) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO import_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		snapshotStateKey, etag)
	if err != nil {
		return fmt.Errorf("save snapshot state: %w", err)
	}
	return nil
}

// ClearSnapshot forgets the last imported extract, so the next run imports
// it again.
func (l *Loader) ClearSnapshot(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, `DELETE FROM import_state WHERE key = $1`, snapshotStateKey); err != nil {
		return fmt.Errorf("clear snapshot state: %w", err)
	}
	return nil
}

// RunRecord is one row of the import_runs audit table.
type RunRecord struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"jobId"`
	Stage        string    `json:"stage"`
	SingletonKey string    `json:"singletonKey"`
	Param        *string   `json:"param,omitempty"`
	Attempt      int       `json:"attempt"`
	Succeeded    bool      `json:"succeeded"`
	Halted       bool      `json:"halted"`
	Processed    int       `json:"processed"`
	Skipped      int       `json:"skipped"`
	Error        *string   `json:"error,omitempty"`
	ElapsedMs    int64     `json:"elapsedMs"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// RecordRun appends a finished job to import_runs.
func (l *Loader) RecordRun(ctx context.Context, c pipeline.Completion) error {
	var errText *string
	if c.Err != nil {
		msg := c.Err.Error()
		errText = &msg
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO import_runs (job_id, stage, singleton_key, param, attempt, succeeded, halted, processed, skipped, error, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.Job.ID, c.Job.Stage, c.Job.SingletonKey, optionalText(c.Job.Param), c.Job.Attempt, c.Succeeded(),
		c.Outcome.Halt, c.Outcome.Processed, c.Outcome.Skipped, errText, c.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns lists the latest runs, newest first, optionally for one stage.
func (l *Loader) RecentRuns(ctx context.Context, stage string, limit int) ([]RunRecord, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, job_id, stage, singleton_key, param, attempt, succeeded, halted, processed, skipped, error, elapsed_ms, finished_at
		FROM import_runs
		WHERE ($1 = '' OR stage = $1)
		ORDER BY finished_at DESC, id DESC
		LIMIT $2`, stage, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[RunRecord])
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return runs, nil
}

// DeleteRunsBefore prunes successful runs finished before succeededBefore and
// failed runs finished before failedBefore.
func (l *Loader) DeleteRunsBefore(ctx context.Context, succeededBefore, failedBefore time.Time) (int64, error) {
	tag, err := l.db.Exec(ctx, `
		DELETE FROM import_runs
		WHERE (succeeded AND finished_at < $1)
		   OR (NOT succeeded AND finished_at < $2)`,
		succeededBefore, failedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
