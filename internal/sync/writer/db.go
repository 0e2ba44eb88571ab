// Package writer persists parsed source records into the shared datastore.
package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/toolhive-ingest/internal/sources"
)

// maxRowsPerStatement keeps a single INSERT well under the PostgreSQL bind parameter limit
const maxRowsPerStatement = 1000

const (
	upsertRecordsPrefix = `INSERT INTO ingested_records (source_id, record_key, position, version, payload, updated_at) VALUES `

	upsertRecordsSuffix = `
ON CONFLICT (source_id, record_key) DO UPDATE
SET position = EXCLUDED.position, version = EXCLUDED.version, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`

	columnsPerRow = 6
)

// RecordWriter upserts records into ingested_records. All records of one
// Write call are committed in a single transaction.
type RecordWriter struct {
	db  *sql.DB
	now func() time.Time
}

var _ sources.Writer = (*RecordWriter)(nil)

// NewRecordWriter creates a RecordWriter on top of an open database handle
func NewRecordWriter(sqlDB *sql.DB) (*RecordWriter, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &RecordWriter{db: sqlDB, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Write upserts records for source and returns how many were written
func (w *RecordWriter) Write(ctx context.Context, source string, records []sources.Record) (n int, err error) {
	if source == "" {
		return 0, fmt.Errorf("source name is required")
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
			}
		}
	}()

	now := w.now()
	for start := 0; start < len(records); start += maxRowsPerStatement {
		end := min(start+maxRowsPerStatement, len(records))
		chunk := records[start:end]

		args := make([]any, 0, len(chunk)*columnsPerRow)
		for _, r := range chunk {
			if r.Key == "" {
				return 0, fmt.Errorf("record at position %d has no key", r.Position)
			}
			args = append(args, source, r.Key, r.Position, r.Version, []byte(r.Payload), now)
		}

		if _, err = tx.ExecContext(ctx, upsertRecordsSQL(len(chunk)), args...); err != nil {
			return 0, fmt.Errorf("failed to upsert records for source %s: %w", source, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit records for source %s: %w", source, err)
	}
	return len(records), nil
}

// upsertRecordsSQL renders the multi-row upsert for rows records
func upsertRecordsSQL(rows int) string {
	var b strings.Builder
	b.WriteString(upsertRecordsPrefix)
	for i := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		p := i * columnsPerRow
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6)
	}
	b.WriteString(upsertRecordsSuffix)
	return b.String()
}
