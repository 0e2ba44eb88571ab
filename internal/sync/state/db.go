package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stacklok/toolhive-ingest/internal/db"
)

const (
	selectCheckpointSQL = `SELECT source_id, cursor, status, message, updated_at
FROM source_checkpoints WHERE source_id = $1`

	listCheckpointsSQL = `SELECT source_id, cursor, status, message, updated_at
FROM source_checkpoints ORDER BY source_id`

	upsertStatusSQL = `INSERT INTO source_checkpoints (source_id, cursor, status, message, updated_at)
VALUES ($1, 0, $2, $3, $4)
ON CONFLICT (source_id) DO UPDATE
SET status = EXCLUDED.status, message = EXCLUDED.message, updated_at = EXCLUDED.updated_at`

	// The WHERE clause makes the regression check and the write a single atomic statement.
	advanceSQL = `INSERT INTO source_checkpoints (source_id, cursor, status, message, updated_at)
VALUES ($1, $2, 'IN_PROGRESS', '', $3)
ON CONFLICT (source_id) DO UPDATE
SET cursor = EXCLUDED.cursor, status = EXCLUDED.status, message = '', updated_at = EXCLUDED.updated_at
WHERE source_checkpoints.cursor <= EXCLUDED.cursor`

	deleteCheckpointSQL = `DELETE FROM source_checkpoints WHERE source_id = $1`
)

type dbStore struct {
	db *sql.DB
}

// NewDBStore creates a checkpoint store backed by the source_checkpoints table
func NewDBStore(sqlDB *sql.DB) Store {
	return &dbStore{db: sqlDB}
}

func (d *dbStore) Get(ctx context.Context, source string) (*Checkpoint, error) {
	cp, err := scanCheckpoint(d.db.QueryRowContext(ctx, selectCheckpointSQL, source))
	if errors.Is(err, sql.ErrNoRows) {
		return NewCheckpoint(source), nil
	}
	if err != nil {
		return nil, classifyReadError(source, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (d *dbStore) MarkInProgress(ctx context.Context, source string) error {
	return d.upsertStatus(ctx, source, StatusInProgress, "")
}

func (d *dbStore) MarkDone(ctx context.Context, source string) error {
	return d.upsertStatus(ctx, source, StatusDone, "")
}

func (d *dbStore) MarkError(ctx context.Context, source string, message string) error {
	return d.upsertStatus(ctx, source, StatusError, message)
}

func (d *dbStore) Advance(ctx context.Context, source string, cursor int64) error {
	if err := checkAdvance(source, 0, cursor); err != nil {
		return err
	}

	res, err := d.db.ExecContext(ctx, advanceSQL, source, cursor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint for source %s: %w", source, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint for source %s: %w", source, err)
	}
	if affected == 0 {
		current, getErr := d.Get(ctx, source)
		if getErr != nil {
			return getErr
		}
		return checkAdvance(source, current.Cursor, cursor)
	}
	return nil
}

func (d *dbStore) List(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := d.db.QueryContext(ctx, listCheckpointsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return result, nil
}

func (d *dbStore) Reset(ctx context.Context, source string) error {
	res, err := d.db.ExecContext(ctx, deleteCheckpointSQL, source)
	if err != nil {
		return fmt.Errorf("failed to reset checkpoint for source %s: %w", source, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, source)
	}
	return nil
}

func (d *dbStore) upsertStatus(ctx context.Context, source string, status Status, message string) error {
	if _, err := d.db.ExecContext(ctx, upsertStatusSQL, source, string(status), message, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set checkpoint status %s for source %s: %w", status, source, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp      Checkpoint
		status  string
		message sql.NullString
	)
	if err := row.Scan(&cp.Source, &cp.Cursor, &status, &message, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	cp.Status = Status(status)
	cp.Message = message.String
	return &cp, nil
}

// classifyReadError separates failed queries from rows that cannot be decoded
func classifyReadError(source string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || db.IsConnectionError(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to read checkpoint for source %s: %w", source, err)
	}
	return fmt.Errorf("%w: source %s: %v", ErrCheckpointCorruption, source, err)
}
