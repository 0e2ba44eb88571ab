package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/stacklok/toolhive-ingest/internal/status"
)

// StatusFunc loads the stored state of a run
type StatusFunc func(ctx context.Context, id uuid.UUID) (*status.PipelineRun, error)

// RunHandle refers to a run started by StartRun
type RunHandle struct {
	id     uuid.UUID
	done   <-chan struct{}
	lookup StatusFunc
}

// NewRunHandle creates a handle for run id. done must be closed once the run has finished.
func NewRunHandle(id uuid.UUID, done <-chan struct{}, lookup StatusFunc) *RunHandle {
	return &RunHandle{id: id, done: done, lookup: lookup}
}

// ID returns the run ID
func (h *RunHandle) ID() uuid.UUID {
	return h.id
}

// Done is closed once the run has released the run lock
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes and returns its final state
func (h *RunHandle) Wait(ctx context.Context) (*status.PipelineRun, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.lookup(ctx, h.id)
}
