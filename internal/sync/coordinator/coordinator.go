package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stacklok/toolhive-ingest/internal/logger"
	"github.com/stacklok/toolhive-ingest/internal/pipeline"
	"github.com/stacklok/toolhive-ingest/internal/status"
)

// Runner starts pipeline runs
type Runner interface {
	StartRun(ctx context.Context, trigger status.Trigger) (*pipeline.RunHandle, error)
}

// Coordinator triggers scheduled pipeline runs in the background
type Coordinator interface {
	// Start runs the schedule loop. It blocks until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop ends the schedule loop. A run already started keeps going.
	Stop() error
}

// Option configures the coordinator
type Option func(*defaultCoordinator)

// WithJitter overrides the random offset bound applied to each interval
func WithJitter(jitter time.Duration) Option {
	return func(c *defaultCoordinator) {
		c.jitter = jitter
	}
}

// WithRunOnStart triggers a run immediately when Start is called
func WithRunOnStart(enabled bool) Option {
	return func(c *defaultCoordinator) {
		c.runOnStart = enabled
	}
}

type defaultCoordinator struct {
	runner     Runner
	interval   time.Duration
	jitter     time.Duration
	runOnStart bool

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// New creates a coordinator that triggers a SCHEDULED run every interval
func New(runner Runner, interval time.Duration, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		runner:   runner,
		interval: interval,
		jitter:   jitterFor(interval),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *defaultCoordinator) Start(ctx context.Context) error {
	defer close(c.done)

	if c.interval <= 0 {
		logger.Info("Pipeline schedule disabled, runs are only triggered manually")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer cancel()

	logger.Infof("Starting pipeline scheduler (interval %s, jitter %s)", c.interval, c.jitter)

	if c.runOnStart {
		c.trigger(ctx)
	}

	timer := time.NewTimer(nextDelay(c.interval, c.jitter))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Pipeline scheduler shutting down")
			return nil
		case <-timer.C:
			c.trigger(ctx)
			timer.Reset(nextDelay(c.interval, c.jitter))
		}
	}
}

func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-c.done
	return nil
}

// trigger starts a scheduled run. A run already in progress means this tick is skipped.
func (c *defaultCoordinator) trigger(ctx context.Context) {
	handle, err := c.runner.StartRun(ctx, status.TriggerScheduled)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		logger.Infof("Skipping scheduled run: %v", err)
	case err != nil:
		logger.Errorf("Failed to start scheduled run: %v", err)
	default:
		logger.Infof("Scheduled pipeline run %s started", handle.ID())
	}
}
