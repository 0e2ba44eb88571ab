package status

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	runColumns    = []string{"id", "status", "trigger", "started_at", "ended_at", "error"}
	resultColumns = []string{"source_id", "status", "committed", "start_cursor", "end_cursor", "error", "started_at", "ended_at"}
)

func newMockRunStore(t *testing.T) (RunStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = sqlDB.Close()
	})
	return NewDBRunStore(sqlDB), mock
}

func TestDBRunStoreCreate(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	run := NewRun(TriggerManual)

	mock.ExpectExec(insertRunSQL).
		WithArgs(run.ID.String(), "PENDING", "MANUAL", sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), run))
}

func TestDBRunStoreCreateDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	run := NewRun(TriggerManual)

	mock.ExpectExec(insertRunSQL).
		WithArgs(run.ID.String(), "PENDING", "MANUAL", sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.Create(context.Background(), run)
	require.ErrorIs(t, err, ErrRunExists)
}

func TestDBRunStoreUpdateWritesSourceResults(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	now := time.Now().UTC()
	run := NewRun(TriggerScheduled)
	run.Status = RunStatusFailed
	run.EndedAt = &now
	run.Sources = []SourceResult{
		{Source: "alpha", Status: SourceStatusSucceeded, Committed: 100, StartCursor: 500, EndCursor: 600},
		{Source: "beta", Status: SourceStatusFailed, Error: "persist failed"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(updateRunSQL).WithArgs(run.ID.String(), "FAILED", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertSourceResultSQL).
		WithArgs(run.ID.String(), 0, "alpha", "SUCCEEDED", int64(100), int64(500), int64(600), "",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertSourceResultSQL).
		WithArgs(run.ID.String(), 1, "beta", "FAILED", int64(0), int64(0), int64(0), "persist failed",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Update(context.Background(), run))
}

func TestDBRunStoreUpdateUnknownRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	run := NewRun(TriggerManual)

	mock.ExpectBegin()
	mock.ExpectExec(updateRunSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(runExistsSQL).WithArgs(run.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	require.ErrorIs(t, store.Update(context.Background(), run), ErrRunNotFound)
}

func TestDBRunStoreUpdateLeavesFinishedRunAlone(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	now := time.Now().UTC()
	run := NewRun(TriggerManual)
	run.Status = RunStatusCompleted
	run.EndedAt = &now

	mock.ExpectBegin()
	mock.ExpectExec(updateRunSQL).WithArgs(run.ID.String(), "COMPLETED", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(runExistsSQL).WithArgs(run.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := store.Update(context.Background(), run)
	require.ErrorIs(t, err, ErrRunTerminal)
	assert.NotErrorIs(t, err, ErrRunNotFound)
}

func TestDBRunStoreGet(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	id := uuid.New()
	started := time.Now().UTC().Add(-time.Minute)
	ended := time.Now().UTC()

	mock.ExpectQuery(selectRunSQL).WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(runColumns).AddRow(id.String(), "COMPLETED", "MANUAL", started, ended, ""))
	mock.ExpectQuery(selectSourceResultsSQL).WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(resultColumns).
			AddRow("alpha", "SUCCEEDED", int64(100), int64(500), int64(600), "", started, ended))

	run, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, TriggerManual, run.Trigger)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, ended, *run.EndedAt)
	require.Len(t, run.Sources, 1)
	assert.Equal(t, int64(600), run.Sources[0].EndCursor)
}

func TestDBRunStoreGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	id := uuid.New()
	mock.ExpectQuery(selectRunSQL).WithArgs(id.String()).WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), id)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestDBRunStoreList(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	first, second := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(listRunsSQL).WithArgs(2).WillReturnRows(sqlmock.NewRows(runColumns).
		AddRow(second.String(), "RUNNING", "SCHEDULED", now, nil, "").
		AddRow(first.String(), "FAILED", "MANUAL", now.Add(-time.Hour), now, "run cancelled"))
	mock.ExpectQuery(selectSourceResultsSQL).WithArgs(second.String()).WillReturnRows(sqlmock.NewRows(resultColumns))
	mock.ExpectQuery(selectSourceResultsSQL).WithArgs(first.String()).WillReturnRows(sqlmock.NewRows(resultColumns).
		AddRow("alpha", "SKIPPED", int64(0), int64(0), int64(0), "", nil, nil))

	runs, err := store.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Nil(t, runs[0].EndedAt)
	assert.Empty(t, runs[0].Sources)
	assert.Equal(t, "run cancelled", runs[1].Error)
	assert.Equal(t, SourceStatusSkipped, runs[1].Sources[0].Status)
	assert.Nil(t, runs[1].Sources[0].StartedAt)
}

func TestDBRunStoreMarkInterrupted(t *testing.T) {
	t.Parallel()

	store, mock := newMockRunStore(t)
	mock.ExpectExec(markInterruptedSQL).WithArgs(sqlmock.AnyArg(), InterruptedMessage).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.MarkInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
