package status

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/stacklok/toolhive-ingest/internal/config"
)

const (
	// RunLockFileName is the lock file taken in the storage directory while a run is active
	RunLockFileName = ".pipeline-run.lock"

	// runLockKey identifies the pipeline run advisory lock
	runLockKey int64 = 0x7468762d696e67

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1)`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1)`
)

// RunLock is held by the one pipeline run allowed to execute against a datastore.
// It is shared by every process using the same datastore.
type RunLock interface {
	// TryLock acquires the lock without waiting and reports false when it is held elsewhere.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases a lock taken by TryLock.
	Unlock(ctx context.Context) error
}

// NewRunLock creates the RunLock matching the configured storage type
func NewRunLock(cfg *config.Config, sqlDB *sql.DB) (RunLock, error) {
	switch cfg.Storage.Type {
	case config.StorageTypeFile:
		return NewFileRunLock(cfg.Storage.Dir)
	case config.StorageTypeDatabase, "":
		if sqlDB == nil {
			return nil, fmt.Errorf("database connection is required when storage type is database")
		}
		return NewDBRunLock(sqlDB), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// dbRunLock holds a session-level advisory lock on a dedicated connection.
// The lock lives as long as that connection does.
type dbRunLock struct {
	db   *sql.DB
	mu   sync.Mutex
	conn *sql.Conn
}

// NewDBRunLock creates a RunLock backed by a PostgreSQL advisory lock
func NewDBRunLock(sqlDB *sql.DB) RunLock {
	return &dbRunLock{db: sqlDB}
}

func (l *dbRunLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reserve connection for run lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, tryAdvisoryLockSQL, runLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *dbRunLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn := l.conn
	if conn == nil {
		return nil
	}
	l.conn = nil
	defer func() {
		_ = conn.Close()
	}()

	var released bool
	err := conn.QueryRowContext(ctx, advisoryUnlockSQL, runLockKey).Scan(&released)
	if err == nil && released {
		return nil
	}

	// Drop the session instead of returning it to the pool still holding the lock
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return fmt.Errorf("failed to release run lock: not held by this session")
}

type fileRunLock struct {
	lock *flock.Flock
}

// NewFileRunLock creates a RunLock backed by an flock on dir/.pipeline-run.lock
func NewFileRunLock(dir string) (RunLock, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &fileRunLock{lock: flock.New(filepath.Join(dir, RunLockFileName))}, nil
}

func (l *fileRunLock) TryLock(_ context.Context) (bool, error) {
	acquired, err := l.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock %s: %w", l.lock.Path(), err)
	}
	return acquired, nil
}

func (l *fileRunLock) Unlock(_ context.Context) error {
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release run lock %s: %w", l.lock.Path(), err)
	}
	return nil
}
