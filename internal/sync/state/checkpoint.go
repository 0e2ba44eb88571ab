// Package state contains the durable per-source checkpoints that make ingestion resumable.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a source checkpoint
type Status string

const (
	// StatusNotStarted means the source has never been synced (or was reset)
	StatusNotStarted Status = "NOT_STARTED"
	// StatusInProgress means a sync is running or was interrupted
	StatusInProgress Status = "IN_PROGRESS"
	// StatusDone means the last sync reached the end of the source
	StatusDone Status = "DONE"
	// StatusError means the last sync failed; the cursor is still the last committed position
	StatusError Status = "ERROR"
)

// IsValid reports whether s is one of the known statuses
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusDone, StatusError:
		return true
	default:
		return false
	}
}

var (
	// ErrCheckpointCorruption is returned when a checkpoint cannot be trusted:
	// its cursor would regress, it is negative, or the stored record is unreadable.
	// It is never repaired automatically.
	ErrCheckpointCorruption = errors.New("checkpoint corruption")

	// ErrCheckpointNotFound is returned when resetting a source that has no checkpoint
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// Checkpoint is the durable progress record of one source
type Checkpoint struct {
	Source    string    `json:"source"`
	Cursor    int64     `json:"cursor"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCheckpoint returns the checkpoint of a source that was never synced
func NewCheckpoint(source string) *Checkpoint {
	return &Checkpoint{Source: source, Status: StatusNotStarted}
}

// Validate checks the invariants every stored checkpoint must hold
func (c *Checkpoint) Validate() error {
	if !c.Status.IsValid() {
		return fmt.Errorf("%w: source %s has unknown status %q", ErrCheckpointCorruption, c.Source, c.Status)
	}
	if c.Cursor < 0 {
		return fmt.Errorf("%w: source %s has negative cursor %d", ErrCheckpointCorruption, c.Source, c.Cursor)
	}
	return nil
}

// Store persists checkpoints.
//
// Advance is the only operation that moves the cursor and it never moves it
// backwards: a lower cursor than the stored one fails with ErrCheckpointCorruption.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/stacklok/toolhive-ingest/internal/sync/state Store
type Store interface {
	// Get returns the checkpoint of source, or a NOT_STARTED checkpoint at cursor 0 if none exists.
	Get(ctx context.Context, source string) (*Checkpoint, error)
	// MarkInProgress flags the source as being synced without touching its cursor.
	MarkInProgress(ctx context.Context, source string) error
	// Advance durably records that every record before cursor has been committed.
	Advance(ctx context.Context, source string, cursor int64) error
	// MarkDone flags the source as fully synced.
	MarkDone(ctx context.Context, source string) error
	// MarkError flags the source as failed with message, keeping the last committed cursor.
	MarkError(ctx context.Context, source string, message string) error
	// List returns every stored checkpoint ordered by source.
	List(ctx context.Context) ([]*Checkpoint, error)
	// Reset deletes the checkpoint of source so the next sync starts from the beginning.
	Reset(ctx context.Context, source string) error
}

func checkAdvance(source string, current, next int64) error {
	if next < 0 {
		return fmt.Errorf("%w: source %s cannot advance to negative cursor %d", ErrCheckpointCorruption, source, next)
	}
	if next < current {
		return fmt.Errorf("%w: source %s cursor would regress from %d to %d",
			ErrCheckpointCorruption, source, current, next)
	}
	return nil
}
