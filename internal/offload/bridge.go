// Package offload runs blocking work on a fixed pool of worker goroutines.
//
// The orchestration goroutine submits file reads, commits, cache deletes and
// probes through a Bridge and waits for the result. Work is never rejected: when
// every worker is busy submissions wait in a FIFO queue, and when the queue is
// full the submitter waits to enqueue.
package offload

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/stacklok/toolhive-ingest/internal/logger"
)

// ErrStopped is returned for submissions made after Stop
var ErrStopped = errors.New("offload bridge stopped")

type workerKey struct{}

// OnWorker reports whether ctx belongs to a function running on a bridge worker
func OnWorker(ctx context.Context) bool {
	_, ok := ctx.Value(workerKey{}).(int)
	return ok
}

// Stats is a point-in-time view of the bridge load
type Stats struct {
	Workers int
	Queued  int
	Active  int
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Bridge is a fixed-size worker pool fed by a FIFO queue
type Bridge struct {
	workers int
	jobs    chan *job

	mu      sync.RWMutex
	started bool
	stopped bool

	active atomic.Int64
	wg     sync.WaitGroup
}

// New creates a bridge with the given number of workers and queue depth.
// Non-positive values fall back to one worker and an unbuffered queue.
func New(workers, queueSize int) *Bridge {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Bridge{
		workers: workers,
		jobs:    make(chan *job, queueSize),
	}
}

// Start launches the worker goroutines. Calling Start more than once is a no-op.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.work(i)
	}
	logger.Debugf("Offload bridge started with %d workers", b.workers)
}

// Stop refuses new submissions, lets workers drain the queue and waits for them to exit
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	close(b.jobs)
	b.mu.Unlock()

	if !started {
		for j := range b.jobs {
			j.done <- ErrStopped
		}
		return
	}
	b.wg.Wait()
	logger.Debug("Offload bridge stopped")
}

// Stats returns the current queue depth and number of busy workers
func (b *Bridge) Stats() Stats {
	return Stats{
		Workers: b.workers,
		Queued:  len(b.jobs),
		Active:  int(b.active.Load()),
	}
}

// Run executes fn on a worker and waits for it to finish.
// If ctx is cancelled while waiting, Run returns ctx.Err(); a job that already
// started keeps running to completion on its worker.
func (b *Bridge) Run(ctx context.Context, fn func(context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := b.submit(ctx, j); err != nil {
		return err
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn on a worker of b and returns its result
func Do[T any](ctx context.Context, b *Bridge, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (b *Bridge) submit(ctx context.Context, j *job) error {
	// The read lock is held across the send so Stop cannot close the queue under a blocked submitter.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrStopped
	}

	select {
	case b.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) work(id int) {
	defer b.wg.Done()
	for j := range b.jobs {
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		b.active.Add(1)
		j.done <- execute(context.WithValue(j.ctx, workerKey{}, id), j.fn)
		b.active.Add(-1)
	}
}

func execute(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Offloaded work panicked: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("offloaded work panicked: %v", r)
		}
	}()
	return fn(ctx)
}
