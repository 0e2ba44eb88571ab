package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/toolhive-ingest/internal/config"
	"github.com/stacklok/toolhive-ingest/internal/logger"
	"github.com/stacklok/toolhive-ingest/internal/offload"
	"github.com/stacklok/toolhive-ingest/internal/progress"
	"github.com/stacklok/toolhive-ingest/internal/sources"
	"github.com/stacklok/toolhive-ingest/internal/sync/state"
)

// ErrNoProgress is returned when an adapter reports more data without moving its cursor
var ErrNoProgress = errors.New("source made no progress")

// Outcome summarises one Sync call. It is populated as far as the sync got,
// also when Sync returns an error.
type Outcome struct {
	Source      string
	StartCursor int64
	EndCursor   int64
	Committed   int
	Batches     int
}

// Option configures a Syncer
type Option func(*Syncer)

// WithBatchSize sets the number of records committed together
func WithBatchSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBatchHook registers a callback invoked after every committed batch
func WithBatchHook(fn func(source string, committed int)) Option {
	return func(s *Syncer) {
		s.onBatch = fn
	}
}

// Syncer drives adapters through fetch, parse and batched persist with checkpointing
type Syncer struct {
	bridge      *offload.Bridge
	checkpoints state.Store
	publisher   progress.Publisher
	batchSize   int
	onBatch     func(source string, committed int)
}

// NewSyncer creates a Syncer. publisher may be nil.
func NewSyncer(bridge *offload.Bridge, checkpoints state.Store, publisher progress.Publisher, opts ...Option) *Syncer {
	s := &Syncer{
		bridge:      bridge,
		checkpoints: checkpoints,
		publisher:   publisher,
		batchSize:   config.DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync ingests everything adapter has beyond its stored checkpoint.
//
// On failure the cursor of the last committed batch stays durable and the
// checkpoint is marked ERROR. A corrupt checkpoint is left untouched.
func (s *Syncer) Sync(ctx context.Context, runID string, adapter sources.Adapter) (*Outcome, error) {
	name := adapter.Name()
	out := &Outcome{Source: name}

	cp, err := offload.Do(ctx, s.bridge, func(ctx context.Context) (*state.Checkpoint, error) {
		return s.checkpoints.Get(ctx, name)
	})
	if err != nil {
		return out, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	out.StartCursor = cp.Cursor
	out.EndCursor = cp.Cursor

	if err := s.ingest(ctx, runID, adapter, out); err != nil {
		s.markError(ctx, name, err)
		return out, err
	}

	if err := s.bridge.Run(ctx, func(ctx context.Context) error {
		return s.checkpoints.MarkDone(ctx, name)
	}); err != nil {
		return out, fmt.Errorf("failed to mark checkpoint done: %w", err)
	}

	logger.Infof("Source %s synced: %d records in %d batches, cursor %d -> %d",
		name, out.Committed, out.Batches, out.StartCursor, out.EndCursor)
	return out, nil
}

func (s *Syncer) ingest(ctx context.Context, runID string, adapter sources.Adapter, out *Outcome) error {
	name := adapter.Name()

	if err := s.bridge.Run(ctx, func(ctx context.Context) error {
		return s.checkpoints.MarkInProgress(ctx, name)
	}); err != nil {
		return fmt.Errorf("failed to mark checkpoint in progress: %w", err)
	}

	cursor := out.StartCursor
	pending := make([]sources.Record, 0, s.batchSize)

	for {
		from := cursor
		raw, err := offload.Do(ctx, s.bridge, func(ctx context.Context) (*sources.Raw, error) {
			return adapter.Fetch(ctx, from)
		})
		if err != nil {
			return fmt.Errorf("failed to fetch from cursor %d: %w", from, err)
		}

		records, err := adapter.Parse(raw)
		if err != nil {
			return fmt.Errorf("failed to parse data from cursor %d: %w", from, err)
		}

		for _, r := range records {
			pending = append(pending, r)
			if len(pending) < s.batchSize {
				continue
			}
			if err := s.commit(ctx, runID, adapter, pending, r.Position+1, out); err != nil {
				return err
			}
			pending = make([]sources.Record, 0, s.batchSize)
		}

		if !raw.More {
			if len(pending) > 0 || raw.Next > out.EndCursor {
				return s.commit(ctx, runID, adapter, pending, max(raw.Next, out.EndCursor), out)
			}
			return nil
		}

		if raw.Next <= from {
			return fmt.Errorf("%w: next cursor %d after fetching from %d", ErrNoProgress, raw.Next, from)
		}
		cursor = raw.Next
	}
}

// commit persists records and then advances the checkpoint to end.
// The checkpoint write ignores cancellation so a persisted batch is always recorded.
func (s *Syncer) commit(
	ctx context.Context, runID string, adapter sources.Adapter, records []sources.Record, end int64, out *Outcome,
) error {
	name := adapter.Name()

	written := 0
	if len(records) > 0 {
		batch := &sources.Batch{Source: name, Records: records, End: end}
		n, err := offload.Do(ctx, s.bridge, func(ctx context.Context) (int, error) {
			return adapter.Persist(ctx, batch)
		})
		if err != nil {
			return fmt.Errorf("failed to persist batch ending at cursor %d: %w", end, err)
		}
		written = n
	}

	if err := s.bridge.Run(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return s.checkpoints.Advance(ctx, name, end)
	}); err != nil {
		return fmt.Errorf("failed to advance checkpoint to %d: %w", end, err)
	}

	out.EndCursor = end
	if len(records) == 0 {
		return nil
	}
	out.Committed += written
	out.Batches++

	logger.Debugf("Source %s committed %d records, checkpoint at %d", name, written, end)
	if s.onBatch != nil {
		s.onBatch(name, written)
	}
	if s.publisher != nil {
		s.publisher.Publish(progress.Event{
			Type:      progress.EventBatchCommitted,
			RunID:     runID,
			Source:    name,
			Cursor:    end,
			Committed: int64(out.Committed),
		})
	}
	return nil
}

func (s *Syncer) markError(ctx context.Context, source string, cause error) {
	if errors.Is(cause, state.ErrCheckpointCorruption) {
		return
	}
	err := s.bridge.Run(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return s.checkpoints.MarkError(ctx, source, cause.Error())
	})
	if err != nil {
		logger.Errorf("Failed to record error checkpoint for source %s: %v", source, err)
	}
}
