package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/toolhive-ingest/internal/db"
)

const (
	insertRunSQL = `INSERT INTO pipeline_runs (id, status, trigger, started_at, ended_at, error)
VALUES ($1, $2, $3, $4, $5, $6)`

	updateRunSQL = `UPDATE pipeline_runs SET status = $2, ended_at = $3, error = $4
WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`

	runExistsSQL = `SELECT EXISTS (SELECT 1 FROM pipeline_runs WHERE id = $1)`

	upsertSourceResultSQL = `INSERT INTO pipeline_source_results
(run_id, position, source_id, status, committed, start_cursor, end_cursor, error, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (run_id, source_id) DO UPDATE
SET position = EXCLUDED.position, status = EXCLUDED.status, committed = EXCLUDED.committed,
start_cursor = EXCLUDED.start_cursor, end_cursor = EXCLUDED.end_cursor, error = EXCLUDED.error,
started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at`

	selectRunSQL = `SELECT id, status, trigger, started_at, ended_at, error FROM pipeline_runs WHERE id = $1`

	listRunsSQL = `SELECT id, status, trigger, started_at, ended_at, error FROM pipeline_runs
ORDER BY started_at DESC LIMIT $1`

	selectSourceResultsSQL = `SELECT source_id, status, committed, start_cursor, end_cursor, error, started_at, ended_at
FROM pipeline_source_results WHERE run_id = $1 ORDER BY position`

	markInterruptedSQL = `UPDATE pipeline_runs SET status = 'FAILED', ended_at = $1, error = $2
WHERE status IN ('PENDING', 'RUNNING')`
)

type dbRunStore struct {
	db *sql.DB
}

// NewDBRunStore creates a RunStore backed by the pipeline_runs and pipeline_source_results tables
func NewDBRunStore(sqlDB *sql.DB) RunStore {
	return &dbRunStore{db: sqlDB}
}

func (d *dbRunStore) Create(ctx context.Context, run *PipelineRun) error {
	_, err := d.db.ExecContext(ctx, insertRunSQL,
		run.ID, string(run.Status), string(run.Trigger), run.StartedAt, nullTime(run.EndedAt), run.Error)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return fmt.Errorf("failed to create pipeline run %s: %w", run.ID, err)
	}
	return nil
}

func (d *dbRunStore) Update(ctx context.Context, run *PipelineRun) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, updateRunSQL, run.ID, string(run.Status), nullTime(run.EndedAt), run.Error)
	if err != nil {
		return fmt.Errorf("failed to update pipeline run %s: %w", run.ID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, runExistsSQL, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up pipeline run %s: %w", run.ID, err)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrRunTerminal, run.ID)
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}

	for i, src := range run.Sources {
		_, err := tx.ExecContext(ctx, upsertSourceResultSQL,
			run.ID, i, src.Source, string(src.Status), src.Committed, src.StartCursor, src.EndCursor,
			src.Error, nullTime(src.StartedAt), nullTime(src.EndedAt))
		if err != nil {
			return fmt.Errorf("failed to store result of source %s for run %s: %w", src.Source, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (d *dbRunStore) Get(ctx context.Context, id uuid.UUID) (*PipelineRun, error) {
	run, err := scanRun(d.db.QueryRowContext(ctx, selectRunSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run %s: %w", id, err)
	}
	if run.Sources, err = d.sourceResults(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

func (d *dbRunStore) List(ctx context.Context, limit int) ([]*PipelineRun, error) {
	rows, err := d.db.QueryContext(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	// Close before issuing per-run queries so a single-connection pool is not exhausted.
	_ = rows.Close()

	for _, run := range runs {
		if run.Sources, err = d.sourceResults(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (d *dbRunStore) MarkInterrupted(ctx context.Context) (int, error) {
	res, err := d.db.ExecContext(ctx, markInterruptedSQL, time.Now().UTC(), InterruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	return int(affected), nil
}

func (d *dbRunStore) sourceResults(ctx context.Context, id uuid.UUID) ([]SourceResult, error) {
	rows, err := d.db.QueryContext(ctx, selectSourceResultsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load source results for run %s: %w", id, err)
	}
	defer rows.Close()

	results := []SourceResult{}
	for rows.Next() {
		var (
			r                  SourceResult
			status             string
			startedAt, endedAt sql.NullTime
		)
		if err := rows.Scan(&r.Source, &status, &r.Committed, &r.StartCursor, &r.EndCursor,
			&r.Error, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source result for run %s: %w", id, err)
		}
		r.Status = SourceStatus(status)
		r.StartedAt = timePtr(startedAt)
		r.EndedAt = timePtr(endedAt)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load source results for run %s: %w", id, err)
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*PipelineRun, error) {
	var (
		run             PipelineRun
		status, trigger string
		endedAt         sql.NullTime
	)
	if err := row.Scan(&run.ID, &status, &trigger, &run.StartedAt, &endedAt, &run.Error); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Trigger = Trigger(trigger)
	run.EndedAt = timePtr(endedAt)
	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
