// Package status defines pipeline run records and their persistence.
package status

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run ID is unknown
var ErrRunNotFound = errors.New("pipeline run not found")

// ErrRunExists is returned when creating a run whose ID is already stored
var ErrRunExists = errors.New("pipeline run already exists")

// ErrRunTerminal is returned when updating a run that already reached COMPLETED or FAILED
var ErrRunTerminal = errors.New("pipeline run already finished")

// RunStatus is the lifecycle state of a pipeline run
type RunStatus string

const (
	// RunStatusPending means the run was created but has not started processing sources
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning means the run holds the run lock and is processing
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusCompleted means every source succeeded and cleanup succeeded
	RunStatusCompleted RunStatus = "COMPLETED"

	// RunStatusFailed means at least one source failed, cleanup failed, or the run was cancelled
	RunStatusFailed RunStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are possible
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Trigger records what started a run
type Trigger string

const (
	// TriggerManual is a run requested through the API or CLI
	TriggerManual Trigger = "MANUAL"

	// TriggerScheduled is a run started by the scheduler
	TriggerScheduled Trigger = "SCHEDULED"
)

// SourceStatus is the outcome of one source within a run
type SourceStatus string

const (
	// SourceStatusSucceeded means the source was synced to its end
	SourceStatusSucceeded SourceStatus = "SUCCEEDED"

	// SourceStatusFailed means the source stopped with an error; committed batches are kept
	SourceStatusFailed SourceStatus = "FAILED"

	// SourceStatusSkipped means the source was not reached because the run was cancelled
	SourceStatusSkipped SourceStatus = "SKIPPED"
)

// SourceResult is the outcome of one source within a run
type SourceResult struct {
	Source      string       `json:"source"`
	Status      SourceStatus `json:"status"`
	Committed   int64        `json:"committed"`
	StartCursor int64        `json:"start_cursor"`
	EndCursor   int64        `json:"end_cursor"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
}

// PipelineRun is one execution of the pipeline over every configured source
type PipelineRun struct {
	ID        uuid.UUID      `json:"run_id"`
	Status    RunStatus      `json:"status"`
	Trigger   Trigger        `json:"trigger"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Sources   []SourceResult `json:"per_source_results"`

	// Error holds run-level failures such as cleanup errors or cancellation
	Error string `json:"error,omitempty"`
}

// NewRun creates a PENDING run with a fresh ID
func NewRun(trigger Trigger) *PipelineRun {
	return &PipelineRun{
		ID:        uuid.New(),
		Status:    RunStatusPending,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Sources:   []SourceResult{},
	}
}

// Clone returns a deep copy so callers cannot mutate the stored run
func (r *PipelineRun) Clone() *PipelineRun {
	if r == nil {
		return nil
	}
	c := *r
	if r.EndedAt != nil {
		ended := *r.EndedAt
		c.EndedAt = &ended
	}
	c.Sources = make([]SourceResult, len(r.Sources))
	copy(c.Sources, r.Sources)
	return &c
}

// Succeeded reports whether every source result is SUCCEEDED
func (r *PipelineRun) Succeeded() bool {
	for _, s := range r.Sources {
		if s.Status != SourceStatusSucceeded {
			return false
		}
	}
	return true
}
