package offload

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedBridge(t *testing.T, workers, queue int) *Bridge {
	t.Helper()
	b := New(workers, queue)
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestDoReturnsResultFromWorker(t *testing.T) {
	t.Parallel()

	b := newStartedBridge(t, 2, 4)

	onWorker, err := Do(context.Background(), b, func(ctx context.Context) (bool, error) {
		return OnWorker(ctx), nil
	})
	require.NoError(t, err)
	assert.True(t, onWorker)
	assert.False(t, OnWorker(context.Background()))

	_, err = Do(context.Background(), b, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
}

func TestQueuedWorkRunsInSubmissionOrder(t *testing.T) {
	t.Parallel()

	b := newStartedBridge(t, 1, 8)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = b.Run(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = b.Run(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		// Wait until this submission is queued before issuing the next one.
		require.Eventually(t, func() bool { return b.Stats().Queued == i }, time.Second, time.Millisecond)
	}

	assert.Equal(t, 1, b.Stats().Active)
	close(release)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

// Not parallel: measures scheduling latency.
func TestCallerStaysResponsiveWhileWorkBlocks(t *testing.T) {
	b := New(2, 8)
	b.Start()
	t.Cleanup(b.Stop)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Run(context.Background(), func(context.Context) error {
				time.Sleep(150 * time.Millisecond)
				return nil
			})
		}()
	}

	ping := make(chan chan struct{})
	go func() {
		for reply := range ping {
			close(reply)
		}
	}()
	defer close(ping)

	latencies := make([]time.Duration, 0, 20)
	for i := 0; i < 20; i++ {
		start := time.Now()
		reply := make(chan struct{})
		ping <- reply
		<-reply
		latencies = append(latencies, time.Since(start))
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	assert.Less(t, latencies[len(latencies)/2], 5*time.Millisecond)
}

func TestPanicIsReturnedAsError(t *testing.T) {
	t.Parallel()

	b := newStartedBridge(t, 1, 1)
	err := b.Run(context.Background(), func(context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// The worker survives the panic.
	assert.NoError(t, b.Run(context.Background(), func(context.Context) error { return nil }))
}

func TestCancelledWhileQueued(t *testing.T) {
	t.Parallel()

	b := newStartedBridge(t, 1, 4)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Run(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(ctx, func(context.Context) error {
			ran <- struct{}{}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return b.Stats().Queued == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.NoError(t, b.Run(context.Background(), func(context.Context) error { return nil }))
	select {
	case <-ran:
		t.Fatal("cancelled job should not run")
	default:
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	t.Parallel()

	b := New(1, 1)
	b.Start()
	b.Stop()
	b.Stop()

	err := b.Run(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}
