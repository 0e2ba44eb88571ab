// Package v1 provides the pipeline control and progress endpoints.
package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/toolhive-ingest/internal/api/common"
	"github.com/stacklok/toolhive-ingest/internal/logger"
	"github.com/stacklok/toolhive-ingest/internal/pipeline"
	"github.com/stacklok/toolhive-ingest/internal/progress"
	"github.com/stacklok/toolhive-ingest/internal/status"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/stacklok/toolhive-ingest/internal/api/v1 PipelineService

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// PipelineService is the part of the orchestrator the routes use
type PipelineService interface {
	StartRun(ctx context.Context, trigger status.Trigger) (*pipeline.RunHandle, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*status.PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]*status.PipelineRun, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// TriggerResponse is returned when a run is accepted
type TriggerResponse struct {
	RunID string `json:"run_id"`
}

// CancelResponse is returned when a cancellation is accepted
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ListRunsResponse lists runs, most recent first
type ListRunsResponse struct {
	Runs []*status.PipelineRun `json:"runs"`
}

// Routes holds the pipeline route handlers
type Routes struct {
	service PipelineService
	events  *progress.Broadcaster
}

// NewRoutes creates the route handlers. events may be nil, which disables the streams.
func NewRoutes(svc PipelineService, events *progress.Broadcaster) *Routes {
	return &Routes{service: svc, events: events}
}

// Router mounts the pipeline endpoints
func Router(svc PipelineService, events *progress.Broadcaster) http.Handler {
	routes := NewRoutes(svc, events)

	r := chi.NewRouter()
	r.Post("/trigger", routes.trigger)
	r.Get("/runs", routes.listRuns)
	r.Get("/runs/{run_id}", routes.getRun)
	r.Post("/runs/{run_id}/cancel", routes.cancelRun)
	r.Get("/events", routes.streamEvents)
	r.Get("/events/ws", routes.streamEventsWS)
	return r
}

// trigger handles POST /pipeline/trigger
func (rr *Routes) trigger(w http.ResponseWriter, r *http.Request) {
	handle, err := rr.service.StartRun(r.Context(), status.TriggerManual)
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
			return
		}
		logger.Errorf("Failed to start pipeline run: %v", err)
		common.WriteErrorResponse(w, "failed to start pipeline run", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, TriggerResponse{RunID: handle.ID().String()}, http.StatusAccepted)
}

// getRun handles GET /pipeline/runs/{run_id}
func (rr *Routes) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetUUIDParam(r, "run_id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := rr.service.GetStatus(r.Context(), id)
	if err != nil {
		rr.writeRunError(w, id, err)
		return
	}
	common.WriteJSONResponse(w, run, http.StatusOK)
}

// listRuns handles GET /pipeline/runs
func (rr *Routes) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := common.GetLimitParam(r, defaultListLimit, maxListLimit)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := rr.service.ListRuns(r.Context(), limit)
	if err != nil {
		logger.Errorf("Failed to list pipeline runs: %v", err)
		common.WriteErrorResponse(w, "failed to list pipeline runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*status.PipelineRun{}
	}
	common.WriteJSONResponse(w, ListRunsResponse{Runs: runs}, http.StatusOK)
}

// cancelRun handles POST /pipeline/runs/{run_id}/cancel
func (rr *Routes) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetUUIDParam(r, "run_id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := rr.service.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, pipeline.ErrRunNotActive) {
			common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
			return
		}
		rr.writeRunError(w, id, err)
		return
	}
	common.WriteJSONResponse(w, CancelResponse{RunID: id.String(), Status: "cancelling"}, http.StatusAccepted)
}

func (*Routes) writeRunError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, pipeline.ErrRunNotFound) {
		common.WriteErrorResponse(w, "pipeline run not found", http.StatusNotFound)
		return
	}
	logger.Errorf("Failed to load pipeline run %s: %v", id, err)
	common.WriteErrorResponse(w, "failed to load pipeline run", http.StatusInternalServerError)
}
