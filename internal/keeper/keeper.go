// Package keeper probes datastore liveness and retries lost connections with bounded backoff.
package keeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/toolhive-ingest/internal/logger"
)

// ErrConnectionLost is returned when every probe attempt failed
var ErrConnectionLost = errors.New("datastore connection lost")

const (
	probeQuery = "SELECT 1"

	// DefaultMaxAttempts bounds the probe attempts before the connection is declared lost
	DefaultMaxAttempts    = 3
	defaultProbeTimeout   = 5 * time.Second
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Execer is the part of *sql.DB the keeper uses
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Runner executes a probe, typically on an offload worker
type Runner func(ctx context.Context, fn func(context.Context) error) error

// Option configures a Keeper
type Option func(*Keeper)

// WithMaxAttempts sets the number of probe attempts
func WithMaxAttempts(n int) Option {
	return func(k *Keeper) {
		if n > 0 {
			k.maxAttempts = n
		}
	}
}

// WithProbeTimeout sets the timeout of a single probe attempt
func WithProbeTimeout(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.probeTimeout = d
		}
	}
}

// WithInitialBackoff sets the delay before the second attempt; later delays grow exponentially
func WithInitialBackoff(d time.Duration) Option {
	return func(k *Keeper) {
		if d > 0 {
			k.initialBackoff = d
		}
	}
}

// WithIdleReset registers a hook that discards idle pooled connections between attempts
func WithIdleReset(reset func()) Option {
	return func(k *Keeper) {
		k.resetIdle = reset
	}
}

// WithRunner makes every probe attempt execute through run
func WithRunner(run Runner) Option {
	return func(k *Keeper) {
		if run != nil {
			k.run = run
		}
	}
}

// Keeper checks that the datastore is reachable
type Keeper struct {
	db             Execer
	maxAttempts    int
	probeTimeout   time.Duration
	initialBackoff time.Duration
	resetIdle      func()
	run            Runner
}

// New creates a Keeper probing db
func New(db Execer, opts ...Option) *Keeper {
	k := &Keeper{
		db:             db,
		maxAttempts:    DefaultMaxAttempts,
		probeTimeout:   defaultProbeTimeout,
		initialBackoff: defaultInitialBackoff,
		run: func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// ResetIdleConns returns an idle-reset hook for a *sql.DB that restores maxIdle afterwards
func ResetIdleConns(db *sql.DB, maxIdle int) func() {
	return func() {
		db.SetMaxIdleConns(0)
		db.SetMaxIdleConns(maxIdle)
	}
}

// Probe checks the connection, retrying with exponential backoff.
// When every attempt fails it returns an error wrapping both ErrConnectionLost and the last failure.
func (k *Keeper) Probe(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = k.initialBackoff
	b.MaxInterval = defaultMaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 && k.resetIdle != nil {
			k.resetIdle()
		}
		return struct{}{}, k.probeOnce(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(k.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnf("Datastore probe attempt %d/%d failed, retrying in %s: %v", attempt, k.maxAttempts, next, err)
		}),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectionLost, attempt, err)
}

func (k *Keeper) probeOnce(ctx context.Context) error {
	return k.run(ctx, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, k.probeTimeout)
		defer cancel()
		_, err := k.db.ExecContext(probeCtx, probeQuery)
		return err
	})
}

// KeepAlive probes every interval until ctx is done. On the first lost
// connection it calls onLost and returns.
func (k *Keeper) KeepAlive(ctx context.Context, interval time.Duration, onLost func(error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := k.Probe(ctx)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Keepalive probe failed: %v", err)
			if onLost != nil {
				onLost(err)
			}
			return
		}
	}
}
