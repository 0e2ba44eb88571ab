package pipeline

import (
	"errors"
	"fmt"

	"github.com/stacklok/toolhive-ingest/internal/status"
)

var (
	// ErrAlreadyRunning is returned by StartRun while another run holds the run lock
	ErrAlreadyRunning = errors.New("pipeline run already in progress")

	// ErrRunNotActive is returned when cancelling a run that has already finished
	ErrRunNotActive = errors.New("pipeline run is not active")

	// ErrRunCancelled is recorded on runs and skipped sources after Cancel
	ErrRunCancelled = errors.New("run cancelled")

	// ErrRunNotFound is returned for unknown run IDs
	ErrRunNotFound = status.ErrRunNotFound
)

// SourceError is a failure isolated to one source. The run carries on with the next source.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}
