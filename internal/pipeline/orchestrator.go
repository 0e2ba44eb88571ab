package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/stacklok/toolhive-ingest/internal/cache"
	"github.com/stacklok/toolhive-ingest/internal/keeper"
	"github.com/stacklok/toolhive-ingest/internal/logger"
	"github.com/stacklok/toolhive-ingest/internal/offload"
	"github.com/stacklok/toolhive-ingest/internal/otel"
	"github.com/stacklok/toolhive-ingest/internal/progress"
	"github.com/stacklok/toolhive-ingest/internal/sources"
	"github.com/stacklok/toolhive-ingest/internal/status"
	"github.com/stacklok/toolhive-ingest/internal/sync"
	"github.com/stacklok/toolhive-ingest/internal/telemetry"
)

// unlockTimeout bounds releasing the cross-process run lock
const unlockTimeout = 10 * time.Second

// Syncer syncs a single adapter against its checkpoint
type Syncer interface {
	Sync(ctx context.Context, runID string, adapter sources.Adapter) (*sync.Outcome, error)
}

// Prober checks datastore liveness
type Prober interface {
	Probe(ctx context.Context) error
	KeepAlive(ctx context.Context, interval time.Duration, onLost func(error))
}

// Invalidator removes stale cache entries
type Invalidator interface {
	InvalidateAll(ctx context.Context, namespaces []string) (int64, error)
}

// Refresher refreshes derived views
type Refresher interface {
	Refresh(ctx context.Context) error
	Views() []string
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithProber probes the datastore before and during every source
func WithProber(p Prober, keepAliveInterval time.Duration) Option {
	return func(o *Orchestrator) {
		o.prober = p
		o.keepAliveInterval = keepAliveInterval
	}
}

// WithInvalidator sets the cache invalidator used during cleanup
func WithInvalidator(inv Invalidator) Option {
	return func(o *Orchestrator) {
		o.invalidator = inv
	}
}

// WithRefresher sets the view refresher used during cleanup
func WithRefresher(r Refresher) Option {
	return func(o *Orchestrator) {
		o.refresher = r
	}
}

// WithRunLock makes every run also hold l, so runs are exclusive across
// all processes sharing the datastore
func WithRunLock(l status.RunLock) Option {
	return func(o *Orchestrator) {
		o.runLock = l
	}
}

// WithPublisher sets where progress events go
func WithPublisher(p progress.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithMetrics sets the pipeline metrics
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracerProvider enables run and source spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(otel.PipelineTracerName)
		}
	}
}

// activeRun is the bookkeeping for the run holding the lock
type activeRun struct {
	id        uuid.UUID
	cancelled atomic.Bool
	done      chan struct{}
}

// Orchestrator runs the configured adapters as pipeline runs
type Orchestrator struct {
	adapters []sources.Adapter
	syncer   Syncer
	runs     status.RunStore
	bridge   *offload.Bridge

	prober            Prober
	keepAliveInterval time.Duration
	invalidator       Invalidator
	refresher         Refresher
	publisher         progress.Publisher
	metrics           *telemetry.PipelineMetrics
	tracer            trace.Tracer

	lock    *semaphore.Weighted
	runLock status.RunLock

	mu     gosync.Mutex
	active *activeRun

	// base outlives individual requests; Close cancels it
	base   context.Context
	cancel context.CancelFunc
}

// New creates an Orchestrator. Adapters run in ascending priority, ties in the given order.
func New(
	adapters []sources.Adapter, syncer Syncer, runs status.RunStore, bridge *offload.Bridge, opts ...Option,
) (*Orchestrator, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer is required")
	}
	if runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if bridge == nil {
		return nil, fmt.Errorf("offload bridge is required")
	}

	ordered := make([]sources.Adapter, len(adapters))
	copy(ordered, adapters)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})

	o := &Orchestrator{
		adapters: ordered,
		syncer:   syncer,
		runs:     runs,
		bridge:   bridge,
		lock:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.base, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Adapters returns the adapters in execution order
func (o *Orchestrator) Adapters() []sources.Adapter {
	return o.adapters
}

// StartRun starts a run in the background and returns without waiting for it.
// It fails with ErrAlreadyRunning when another run is in progress.
func (o *Orchestrator) StartRun(ctx context.Context, trigger status.Trigger) (*RunHandle, error) {
	if !o.lock.TryAcquire(1) {
		return nil, ErrAlreadyRunning
	}
	if err := o.base.Err(); err != nil {
		o.lock.Release(1)
		return nil, fmt.Errorf("orchestrator is closed: %w", err)
	}
	if err := o.lockDatastore(ctx); err != nil {
		o.lock.Release(1)
		return nil, err
	}

	run := status.NewRun(trigger)
	snapshot := run.Clone()
	if err := o.bridge.Run(ctx, func(ctx context.Context) error {
		return o.runs.Create(ctx, snapshot)
	}); err != nil {
		o.unlockDatastore()
		o.lock.Release(1)
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	active := &activeRun{id: run.ID, done: make(chan struct{})}
	o.mu.Lock()
	o.active = active
	o.mu.Unlock()

	logger.Infof("Pipeline run %s started (%s trigger)", run.ID, trigger)
	go o.execute(o.base, run, active)

	return NewRunHandle(run.ID, active.done, o.GetStatus), nil
}

// RecoverInterrupted fails the runs a stopped process left PENDING or RUNNING.
// When another process holds the run lock its run is live, so nothing is touched.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	if !o.lock.TryAcquire(1) {
		return 0, ErrAlreadyRunning
	}
	defer o.lock.Release(1)

	if err := o.lockDatastore(ctx); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			logger.Infof("Another process is running a pipeline run; leaving stored runs untouched")
			return 0, nil
		}
		return 0, err
	}
	defer o.unlockDatastore()

	return offload.Do(ctx, o.bridge, o.runs.MarkInterrupted)
}

// lockDatastore takes the cross-process run lock, if one is configured.
// It runs on the caller's goroutine: a bridge call abandoned on ctx expiry
// could still take the lock after nobody is left to release it.
func (o *Orchestrator) lockDatastore(ctx context.Context) error {
	if o.runLock == nil {
		return nil
	}
	acquired, err := o.runLock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to take run lock: %w", err)
	}
	if !acquired {
		return ErrAlreadyRunning
	}
	return nil
}

// unlockDatastore releases the cross-process run lock, also off the bridge,
// which may already be stopped when the last run winds down.
func (o *Orchestrator) unlockDatastore() {
	if o.runLock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if err := o.runLock.Unlock(ctx); err != nil {
		logger.Errorf("Failed to release run lock: %v", err)
	}
}

// GetStatus returns the stored state of a run
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*status.PipelineRun, error) {
	return offload.Do(ctx, o.bridge, func(ctx context.Context) (*status.PipelineRun, error) {
		return o.runs.Get(ctx, id)
	})
}

// ListRuns returns up to limit runs, most recent first
func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*status.PipelineRun, error) {
	return offload.Do(ctx, o.bridge, func(ctx context.Context) ([]*status.PipelineRun, error) {
		return o.runs.List(ctx, limit)
	})
}

// Active returns the ID of the run in progress, if any
func (o *Orchestrator) Active() (uuid.UUID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return uuid.Nil, false
	}
	return o.active.id, true
}

// Cancel asks the active run to stop at the next source boundary.
// The source being synced runs to completion.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()

	if active != nil && active.id == id {
		if active.cancelled.CompareAndSwap(false, true) {
			logger.Infof("Pipeline run %s cancellation requested", id)
		}
		return nil
	}

	if _, err := o.GetStatus(ctx, id); err != nil {
		return err
	}
	return ErrRunNotActive
}

// Close cancels the active run, if any, and waits for it to finish
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()

	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active == nil {
		return nil
	}

	select {
	case <-active.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) execute(ctx context.Context, run *status.PipelineRun, active *activeRun) {
	start := time.Now()
	finished := false

	ctx, span := otel.StartSpan(ctx, o.tracer, "pipeline.run", trace.WithAttributes(
		otel.AttrRunID.String(run.ID.String()),
		otel.AttrTrigger.String(string(run.Trigger)),
	))

	defer func() {
		o.unlockDatastore()
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
		close(active.done)
		o.lock.Release(1)
	}()
	defer func() {
		span.SetAttributes(otel.AttrRunStatus.String(string(run.Status)))
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Pipeline run %s panicked: %v\n%s", run.ID, r, debug.Stack())
			if !finished {
				run.Error = fmt.Sprintf("run panicked: %v", r)
				o.finishAfterPanic(ctx, run, start)
			}
		}
	}()

	run.Status = status.RunStatusRunning
	o.save(ctx, run)
	o.publish(progress.Event{Type: progress.EventRunStarted, RunID: run.ID.String(), Status: string(run.Status)})

	var dirty []string
	for i, adapter := range o.adapters {
		if reason := o.stopReason(ctx, active); reason != nil {
			o.skipRemaining(run, o.adapters[i:], reason)
			run.Error = reason.Error()
			break
		}

		result := o.runSource(ctx, run.ID.String(), adapter)
		run.Sources = append(run.Sources, result)
		if result.Committed > 0 {
			dirty = append(dirty, adapter.Namespaces()...)
		}
		o.save(ctx, run)
	}

	cleanupErr := o.cleanup(ctx, run.ID.String(), dirty)
	if cleanupErr != nil {
		otel.RecordError(span, cleanupErr)
		if run.Error == "" {
			run.Error = cleanupErr.Error()
		} else {
			run.Error = fmt.Sprintf("%s; %s", run.Error, cleanupErr)
		}
	}

	finished = true
	o.finish(ctx, run, run.Error == "" && run.Succeeded(), start)
}

// finishAfterPanic records a run that panicked as FAILED. A second panic while
// finishing is logged and dropped.
func (o *Orchestrator) finishAfterPanic(ctx context.Context, run *status.PipelineRun, start time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Pipeline run %s panicked while finishing: %v", run.ID, r)
		}
	}()
	o.finish(ctx, run, false, start)
}

// stopReason returns why the run must not start another source, or nil
func (*Orchestrator) stopReason(ctx context.Context, active *activeRun) error {
	if active.cancelled.Load() {
		return ErrRunCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run aborted: %w", err)
	}
	return nil
}

func (*Orchestrator) skipRemaining(run *status.PipelineRun, remaining []sources.Adapter, reason error) {
	for _, a := range remaining {
		run.Sources = append(run.Sources, status.SourceResult{
			Source: a.Name(),
			Status: status.SourceStatusSkipped,
			Error:  reason.Error(),
		})
	}
}

// runSource syncs one adapter and converts the outcome into a SourceResult.
// Errors never escape: they are recorded on the result.
func (o *Orchestrator) runSource(ctx context.Context, runID string, adapter sources.Adapter) status.SourceResult {
	name := adapter.Name()
	started := time.Now().UTC()
	result := status.SourceResult{Source: name, StartedAt: &started}

	ctx, span := otel.StartSpan(ctx, o.tracer, "pipeline.source", trace.WithAttributes(
		otel.AttrRunID.String(runID),
		otel.AttrSourceName.String(name),
	))
	defer span.End()

	o.publish(progress.Event{Type: progress.EventSourceStarted, RunID: runID, Source: name})
	logger.Infof("Run %s: syncing source %s", runID, name)

	outcome, err := o.syncSource(ctx, runID, adapter)
	if outcome != nil {
		result.StartCursor = outcome.StartCursor
		result.EndCursor = outcome.EndCursor
		result.Committed = int64(outcome.Committed)
	}
	ended := time.Now().UTC()
	result.EndedAt = &ended

	span.SetAttributes(
		otel.AttrStartCursor.Int64(result.StartCursor),
		otel.AttrEndCursor.Int64(result.EndCursor),
		otel.AttrCommitted.Int64(result.Committed),
	)
	o.metrics.RecordSource(ctx, name, ended.Sub(started), err == nil)
	o.metrics.RecordCommitted(ctx, name, int(result.Committed))

	if err != nil {
		srcErr := &SourceError{Source: name, Err: err}
		otel.RecordError(span, srcErr)
		result.Status = status.SourceStatusFailed
		result.Error = srcErr.Error()
		logger.Errorf("Run %s: %v", runID, srcErr)
		o.publish(progress.Event{
			Type:      progress.EventSourceFailed,
			RunID:     runID,
			Source:    name,
			Cursor:    result.EndCursor,
			Committed: result.Committed,
			Status:    string(result.Status),
			Message:   result.Error,
		})
		return result
	}

	result.Status = status.SourceStatusSucceeded
	o.publish(progress.Event{
		Type:      progress.EventSourceCompleted,
		RunID:     runID,
		Source:    name,
		Cursor:    result.EndCursor,
		Committed: result.Committed,
		Status:    string(result.Status),
	})
	return result
}

// syncSource probes the datastore, then syncs with a keepalive running alongside.
// A keepalive failure cancels the sync and becomes its error.
func (o *Orchestrator) syncSource(ctx context.Context, runID string, adapter sources.Adapter) (*sync.Outcome, error) {
	if o.prober == nil {
		return o.syncer.Sync(ctx, runID, adapter)
	}

	if err := o.prober.Probe(ctx); err != nil {
		return nil, err
	}

	srcCtx, cancel := context.WithCancelCause(ctx)
	var wg gosync.WaitGroup
	if o.keepAliveInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.prober.KeepAlive(srcCtx, o.keepAliveInterval, func(err error) { cancel(err) })
		}()
	}

	outcome, err := o.syncer.Sync(srcCtx, runID, adapter)
	cause := context.Cause(srcCtx)
	cancel(nil)
	wg.Wait()

	if err != nil && errors.Is(cause, keeper.ErrConnectionLost) {
		err = cause
	}
	return outcome, err
}

// cleanup invalidates the dirtied cache namespaces and then refreshes views.
// A panic is reported as an error.
func (o *Orchestrator) cleanup(ctx context.Context, runID string, dirty []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Run %s: cleanup panicked: %v\n%s", runID, r, debug.Stack())
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()

	// Cleanup runs even when the run was aborted so dirtied caches are not left stale
	ctx = context.WithoutCancel(ctx)

	ctx, span := otel.StartSpan(ctx, o.tracer, "pipeline.cleanup")
	defer span.End()

	namespaces := cache.Distinct(dirty)
	o.publish(progress.Event{
		Type:    progress.EventCleanupStarted,
		RunID:   runID,
		Message: strings.Join(namespaces, ","),
	})

	if o.invalidator != nil && len(namespaces) > 0 {
		if o.prober != nil {
			if err := o.prober.Probe(ctx); err != nil {
				otel.RecordError(span, err)
				return fmt.Errorf("cache invalidation: %w", err)
			}
		}

		removed, err := offload.Do(ctx, o.bridge, func(ctx context.Context) (int64, error) {
			return o.invalidator.InvalidateAll(ctx, namespaces)
		})
		if err != nil {
			otel.RecordError(span, err)
			return fmt.Errorf("cache invalidation: %w", err)
		}
		span.SetAttributes(
			otel.AttrNamespaces.StringSlice(namespaces),
			otel.AttrInvalidated.Int64(removed),
		)
		o.metrics.RecordInvalidated(ctx, removed)
		o.publish(progress.Event{
			Type:      progress.EventCacheInvalidated,
			RunID:     runID,
			Committed: removed,
			Message:   strings.Join(namespaces, ","),
		})
		logger.Infof("Run %s: invalidated %d cache entries in %v", runID, removed, namespaces)
	}

	if o.refresher != nil {
		if err := o.refreshViews(ctx); err != nil {
			otel.RecordError(span, err)
			return fmt.Errorf("view refresh: %w", err)
		}
		o.publish(progress.Event{
			Type:    progress.EventViewsRefreshed,
			RunID:   runID,
			Message: strings.Join(o.refresher.Views(), ","),
		})
	}
	return nil
}

func (o *Orchestrator) refreshViews(ctx context.Context) error {
	ctx, span := otel.StartSpan(ctx, o.tracer, "pipeline.refresh_views", trace.WithAttributes(
		otel.AttrViewsRefresh.StringSlice(o.refresher.Views()),
	))
	defer span.End()

	err := o.bridge.Run(ctx, o.refresher.Refresh)
	otel.RecordError(span, err)
	return err
}

// finish records the terminal state, persists it and publishes the terminal event
func (o *Orchestrator) finish(ctx context.Context, run *status.PipelineRun, succeeded bool, start time.Time) {
	ended := time.Now().UTC()
	run.EndedAt = &ended

	eventType := progress.EventRunCompleted
	run.Status = status.RunStatusCompleted
	if !succeeded {
		run.Status = status.RunStatusFailed
		eventType = progress.EventRunFailed
	}

	o.save(context.WithoutCancel(ctx), run)
	o.metrics.RecordRun(ctx, string(run.Trigger), string(run.Status), time.Since(start))

	var committed int64
	for _, s := range run.Sources {
		committed += s.Committed
	}
	o.publish(progress.Event{
		Type:      eventType,
		RunID:     run.ID.String(),
		Committed: committed,
		Status:    string(run.Status),
		Message:   run.Error,
	})
	logger.Infof("Pipeline run %s finished: %s (%d records committed)", run.ID, run.Status, committed)
}

// save persists a snapshot of run; failures are logged because the run itself must carry on
func (o *Orchestrator) save(ctx context.Context, run *status.PipelineRun) {
	snapshot := run.Clone()
	if err := o.bridge.Run(ctx, func(ctx context.Context) error {
		return o.runs.Update(ctx, snapshot)
	}); err != nil {
		logger.Errorf("Failed to persist pipeline run %s: %v", run.ID, err)
	}
}

func (o *Orchestrator) publish(e progress.Event) {
	if o.publisher != nil {
		o.publisher.Publish(e)
	}
}
