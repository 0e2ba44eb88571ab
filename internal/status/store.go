package status

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/stacklok/toolhive-ingest/internal/config"
)

// InterruptedMessage is recorded on runs that were still active when the process stopped
const InterruptedMessage = "run interrupted before completion"

// RunStore persists pipeline runs so they stay queryable after they finish
//
//go:generate mockgen -destination=mocks/mock_run_store.go -package=mocks github.com/stacklok/toolhive-ingest/internal/status RunStore
type RunStore interface {
	// Create stores a new run.
	Create(ctx context.Context, run *PipelineRun) error
	// Update overwrites the status, end time, error and per-source results of a run.
	// A run that is already COMPLETED or FAILED is left alone and ErrRunTerminal is returned.
	Update(ctx context.Context, run *PipelineRun) error
	// Get returns the run with id, or ErrRunNotFound.
	Get(ctx context.Context, id uuid.UUID) (*PipelineRun, error)
	// List returns up to limit runs, most recent first.
	List(ctx context.Context, limit int) ([]*PipelineRun, error)
	// MarkInterrupted fails every run left PENDING or RUNNING by a previous process.
	MarkInterrupted(ctx context.Context) (int, error)
}

// NewRunStore creates a RunStore based on the configured storage type
func NewRunStore(cfg *config.Config, sqlDB *sql.DB) (RunStore, error) {
	switch cfg.Storage.Type {
	case config.StorageTypeFile:
		return NewFileRunStore(cfg.Storage.Dir)
	case config.StorageTypeDatabase, "":
		if sqlDB == nil {
			return nil, fmt.Errorf("database connection is required when storage type is database")
		}
		return NewDBRunStore(sqlDB), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}
