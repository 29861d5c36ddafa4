// Package target writes reconciled NALD history into the service schema.
// Every write is an upsert keyed on external_id; rows of an entity that the
// latest reconciliation no longer produces are deleted in the same transaction.
package target

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nald_import/internal/timeline"
	"nald_import/platform/apperr"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Loader persists import results.
type Loader struct {
	db DB
}

func NewLoader(db DB) *Loader {
	return &Loader{db: db}
}

// inTx runs fn in a transaction and maps constraint errors.
func (l *Loader) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return mapError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(op, err)
	}
	return nil
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// mapError turns violations of any constraint other than a row's own
// external id into a PersistenceConflict.
func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgForeignKeyViolation:
			if !isExternalIDConstraint(pgErr.ConstraintName) {
				return apperr.PersistenceConflict(fmt.Sprintf("write violates %s", pgErr.ConstraintName), err).
					WithOp(op).
					WithDetails(pgErr.Detail)
			}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isExternalIDConstraint(name string) bool {
	return strings.HasSuffix(name, "_external_id_key")
}

// segmentID is the stable external id of a segment: its kind, entity and start.
// Merged segments of one entity never share a start date.
func segmentID(kind, entity string, start timeline.Date) string {
	return kind + ":" + entity + ":" + start.String()
}

func optionalTime(d *timeline.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time()
	return &t
}

func optionalText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
