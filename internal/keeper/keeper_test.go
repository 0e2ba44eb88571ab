package keeper

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDB fails the first failures probes and succeeds afterwards
type scriptedDB struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
}

func (s *scriptedDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if query != probeQuery {
		return nil, errors.New("unexpected query")
	}
	if s.calls <= s.failures {
		return nil, s.err
	}
	return sqlmock.NewResult(0, 0), nil
}

func (s *scriptedDB) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestProbe(t *testing.T) {
	t.Parallel()

	refused := errors.New("connection refused")

	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantCalls int
		wantReset int32
	}{
		{name: "healthy", failures: 0, wantCalls: 1},
		{name: "recovers_on_retry", failures: 2, wantCalls: 3, wantReset: 2},
		{name: "exhausted", failures: 10, wantErr: true, wantCalls: 3, wantReset: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := &scriptedDB{failures: tt.failures, err: refused}
			var resets atomic.Int32

			k := New(db,
				WithInitialBackoff(time.Millisecond),
				WithIdleReset(func() { resets.Add(1) }),
			)
			err := k.Probe(context.Background())

			if tt.wantErr {
				require.ErrorIs(t, err, ErrConnectionLost)
				assert.ErrorIs(t, err, refused)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, db.Calls())
			assert.Equal(t, tt.wantReset, resets.Load())
		})
	}
}

func TestProbeUsesRunner(t *testing.T) {
	t.Parallel()

	var ran atomic.Int32
	k := New(&scriptedDB{}, WithRunner(func(ctx context.Context, fn func(context.Context) error) error {
		ran.Add(1)
		return fn(ctx)
	}))

	require.NoError(t, k.Probe(context.Background()))
	assert.Equal(t, int32(1), ran.Load())
}

func TestProbeWithSQLMock(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec(probeQuery).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, New(sqlDB).Probe(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProbeCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(&scriptedDB{failures: 10, err: errors.New("down")}).Probe(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConnectionLost)
}

func TestKeepAliveReportsLoss(t *testing.T) {
	t.Parallel()

	db := &scriptedDB{failures: 100, err: errors.New("down")}
	k := New(db, WithInitialBackoff(time.Millisecond), WithMaxAttempts(2))

	lost := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		k.KeepAlive(context.Background(), 5*time.Millisecond, func(err error) { lost <- err })
		close(done)
	}()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not report the lost connection")
	}
	<-done
}

func TestKeepAliveStopsWithContext(t *testing.T) {
	t.Parallel()

	db := &scriptedDB{}
	k := New(db)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.KeepAlive(ctx, time.Millisecond, func(error) { t.Error("unexpected loss") })
		close(done)
	}()

	require.Eventually(t, func() bool { return db.Calls() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
