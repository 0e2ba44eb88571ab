package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-ingest/internal/offload"
	"github.com/stacklok/toolhive-ingest/internal/progress"
	"github.com/stacklok/toolhive-ingest/internal/sources"
	sourcesmocks "github.com/stacklok/toolhive-ingest/internal/sources/mocks"
	"github.com/stacklok/toolhive-ingest/internal/sync/state"
	statemocks "github.com/stacklok/toolhive-ingest/internal/sync/state/mocks"
)

// memAdapter serves total records at positions 0..total-1 in pages of pageSize
type memAdapter struct {
	name     string
	total    int64
	pageSize int64

	mu         stdsync.Mutex
	fetches    []int64
	persisted  []int64
	offWorker  bool
	failPersist func(batch *sources.Batch) error
	stuck      bool
}

func (a *memAdapter) Name() string         { return a.name }
func (a *memAdapter) Priority() int        { return 0 }
func (a *memAdapter) Namespaces() []string { return nil }

func (a *memAdapter) Fetch(ctx context.Context, from int64) (*sources.Raw, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches = append(a.fetches, from)
	if !offload.OnWorker(ctx) {
		a.offWorker = true
	}
	if a.stuck {
		return &sources.Raw{Next: from, More: true}, nil
	}

	end := min(from+a.pageSize, a.total)
	raw := &sources.Raw{Next: end, More: end < a.total}
	for p := from; p < end; p++ {
		raw.Items = append(raw.Items, sources.Item{Position: p, Data: []byte(fmt.Sprintf(`{"key":"k%d"}`, p))})
	}
	return raw, nil
}

func (a *memAdapter) Parse(raw *sources.Raw) ([]sources.Record, error) {
	return sources.ParseItems(a.name, raw, nil)
}

func (a *memAdapter) Persist(ctx context.Context, batch *sources.Batch) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !offload.OnWorker(ctx) {
		a.offWorker = true
	}
	if a.failPersist != nil {
		if err := a.failPersist(batch); err != nil {
			return 0, err
		}
	}
	for _, r := range batch.Records {
		a.persisted = append(a.persisted, r.Position)
	}
	return len(batch.Records), nil
}

type recordingPublisher struct {
	mu     stdsync.Mutex
	events []progress.Event
}

func (p *recordingPublisher) Publish(e progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func newBridge(t *testing.T) *offload.Bridge {
	t.Helper()
	b := offload.New(2, 8)
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func newFileStore(t *testing.T) state.Store {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestSyncResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFileStore(t)
	require.NoError(t, store.Advance(ctx, "alpha", 500))

	adapter := &memAdapter{name: "alpha", total: 600, pageSize: 1000}
	pub := &recordingPublisher{}
	syncer := NewSyncer(newBridge(t), store, pub, WithBatchSize(100))

	out, err := syncer.Sync(ctx, "run-1", adapter)
	require.NoError(t, err)

	assert.Equal(t, []int64{500}, adapter.fetches)
	assert.Len(t, adapter.persisted, 100)
	assert.Equal(t, int64(500), adapter.persisted[0])
	assert.Equal(t, int64(599), adapter.persisted[99])
	assert.False(t, adapter.offWorker, "fetch and persist must run on bridge workers")

	assert.Equal(t, &Outcome{Source: "alpha", StartCursor: 500, EndCursor: 600, Committed: 100, Batches: 1}, out)

	cp, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(600), cp.Cursor)
	assert.Equal(t, state.StatusDone, cp.Status)

	require.Len(t, pub.events, 1)
	assert.Equal(t, progress.EventBatchCommitted, pub.events[0].Type)
	assert.Equal(t, "run-1", pub.events[0].RunID)
	assert.Equal(t, int64(600), pub.events[0].Cursor)
	assert.Equal(t, int64(100), pub.events[0].Committed)
}

func TestSyncBatchesAcrossPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFileStore(t)
	adapter := &memAdapter{name: "alpha", total: 250, pageSize: 70}

	var hooked []int
	syncer := NewSyncer(newBridge(t), store, nil, WithBatchSize(100), WithBatchHook(func(_ string, n int) {
		hooked = append(hooked, n)
	}))

	out, err := syncer.Sync(ctx, "run-1", adapter)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 70, 140, 210}, adapter.fetches)
	assert.Equal(t, []int{100, 100, 50}, hooked)
	assert.Equal(t, 250, out.Committed)
	assert.Equal(t, 3, out.Batches)
	assert.Equal(t, int64(250), out.EndCursor)
}

func TestSyncResumeAfterMidRunFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFileStore(t)
	bridge := newBridge(t)
	syncer := NewSyncer(bridge, store, nil, WithBatchSize(100))

	failing := true
	adapter := &memAdapter{name: "alpha", total: 250, pageSize: 1000}
	adapter.failPersist = func(batch *sources.Batch) error {
		if failing && batch.Records[0].Position == 100 {
			return errors.New("connection reset")
		}
		return nil
	}

	out, err := syncer.Sync(ctx, "run-1", adapter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, int64(100), out.EndCursor)
	assert.Equal(t, 100, out.Committed)

	cp, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(100), cp.Cursor)
	assert.Equal(t, state.StatusError, cp.Status)
	assert.Contains(t, cp.Message, "connection reset")

	failing = false
	adapter.persisted = nil

	out, err = syncer.Sync(ctx, "run-2", adapter)
	require.NoError(t, err)
	assert.Equal(t, int64(100), out.StartCursor)
	assert.Equal(t, int64(250), out.EndCursor)
	require.Len(t, adapter.persisted, 150)
	assert.Equal(t, int64(100), adapter.persisted[0], "resume must not skip records")

	cp, err = store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, state.StatusDone, cp.Status)
	assert.Empty(t, cp.Message)
}

func TestSyncNothingNew(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFileStore(t)
	require.NoError(t, store.Advance(ctx, "alpha", 10))

	adapter := &memAdapter{name: "alpha", total: 10, pageSize: 5}
	out, err := NewSyncer(newBridge(t), store, nil).Sync(ctx, "run-1", adapter)
	require.NoError(t, err)
	assert.Zero(t, out.Committed)
	assert.Equal(t, int64(10), out.EndCursor)
	assert.Empty(t, adapter.persisted)
}

func TestSyncNoProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFileStore(t)
	adapter := &memAdapter{name: "alpha", stuck: true}

	_, err := NewSyncer(newBridge(t), store, nil).Sync(ctx, "run-1", adapter)
	require.ErrorIs(t, err, ErrNoProgress)

	cp, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, state.StatusError, cp.Status)
}

func TestSyncCorruptCheckpointIsNotTouched(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := statemocks.NewMockStore(ctrl)
	adapter := sourcesmocks.NewMockAdapter(ctrl)

	adapter.EXPECT().Name().Return("alpha").AnyTimes()
	store.EXPECT().Get(gomock.Any(), "alpha").
		Return(nil, fmt.Errorf("%w: unknown status", state.ErrCheckpointCorruption))

	_, err := NewSyncer(newBridge(t), store, nil).Sync(context.Background(), "run-1", adapter)
	require.ErrorIs(t, err, state.ErrCheckpointCorruption)
}

func TestSyncRegressionFromAdvanceIsNotMarked(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := statemocks.NewMockStore(ctrl)
	adapter := sourcesmocks.NewMockAdapter(ctrl)

	raw := &sources.Raw{Items: []sources.Item{{Position: 0, Data: []byte(`{"key":"a"}`)}}, Next: 1}
	records := []sources.Record{{Key: "a", Position: 0, Payload: json.RawMessage(`{"key":"a"}`)}}

	gomock.InOrder(
		store.EXPECT().Get(gomock.Any(), "alpha").Return(state.NewCheckpoint("alpha"), nil),
		store.EXPECT().MarkInProgress(gomock.Any(), "alpha").Return(nil),
		adapter.EXPECT().Fetch(gomock.Any(), int64(0)).Return(raw, nil),
		adapter.EXPECT().Parse(raw).Return(records, nil),
		adapter.EXPECT().Persist(gomock.Any(), gomock.Any()).Return(1, nil),
		store.EXPECT().Advance(gomock.Any(), "alpha", int64(1)).
			Return(fmt.Errorf("%w: cursor would regress", state.ErrCheckpointCorruption)),
	)
	adapter.EXPECT().Name().Return("alpha").AnyTimes()

	_, err := NewSyncer(newBridge(t), store, nil).Sync(context.Background(), "run-1", adapter)
	require.ErrorIs(t, err, state.ErrCheckpointCorruption)
}
