package app

import (
	"github.com/stacklok/toolhive-ingest/internal/db"
	"github.com/stacklok/toolhive-ingest/internal/keeper"
	"github.com/stacklok/toolhive-ingest/internal/offload"
	"github.com/stacklok/toolhive-ingest/internal/pipeline"
	"github.com/stacklok/toolhive-ingest/internal/progress"
	"github.com/stacklok/toolhive-ingest/internal/status"
	"github.com/stacklok/toolhive-ingest/internal/sync/coordinator"
	"github.com/stacklok/toolhive-ingest/internal/telemetry"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Coordinator triggers scheduled runs
	Coordinator coordinator.Coordinator

	// Orchestrator runs the pipeline
	Orchestrator *pipeline.Orchestrator

	// Runs stores pipeline run history
	Runs status.RunStore

	// Bridge executes blocking work off the orchestration goroutine
	Bridge *offload.Bridge

	// Events fans progress events out to stream subscribers
	Events *progress.Broadcaster

	// Keeper probes datastore liveness
	Keeper *keeper.Keeper

	// Telemetry owns the tracer and meter providers
	Telemetry *telemetry.Telemetry

	// Database is the shared connection. Nil when injected by tests.
	Database *db.Connection
}
