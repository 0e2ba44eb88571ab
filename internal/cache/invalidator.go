// Package cache removes stale derived cache entries after new data is ingested.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sort"

	"github.com/stacklok/toolhive-ingest/internal/logger"
)

// DefaultChunkSize bounds the rows removed by one delete transaction
const DefaultChunkSize = 1000

const deleteChunkSQL = `DELETE FROM cache_entries
WHERE ctid IN (SELECT ctid FROM cache_entries WHERE namespace = $1 LIMIT $2)`

// Option configures an Invalidator
type Option func(*Invalidator)

// WithChunkSize sets the number of entries removed per transaction
func WithChunkSize(size int) Option {
	return func(i *Invalidator) {
		if size > 0 {
			i.chunkSize = size
		}
	}
}

// WithYield controls whether the invalidator yields the processor between chunks
func WithYield(yield bool) Option {
	return func(i *Invalidator) {
		i.yield = yield
	}
}

// Invalidator deletes cache entries namespace by namespace in bounded chunks,
// so no single transaction holds locks on the whole namespace.
type Invalidator struct {
	db        *sql.DB
	chunkSize int
	yield     bool
}

// NewInvalidator creates an Invalidator over the cache_entries table
func NewInvalidator(sqlDB *sql.DB, opts ...Option) *Invalidator {
	i := &Invalidator{
		db:        sqlDB,
		chunkSize: DefaultChunkSize,
		yield:     true,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// InvalidateNamespace removes every entry of namespace and returns how many were removed.
// It is idempotent: an empty namespace removes nothing and is not an error.
func (i *Invalidator) InvalidateNamespace(ctx context.Context, namespace string) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		removed, err := i.deleteChunk(ctx, namespace)
		if err != nil {
			return total, fmt.Errorf("failed to invalidate cache namespace %s after %d entries: %w", namespace, total, err)
		}
		total += removed
		logger.Debugf("Cache namespace %s: removed chunk of %d entries (%d total)", namespace, removed, total)

		if removed < int64(i.chunkSize) {
			return total, nil
		}
		if i.yield {
			runtime.Gosched()
		}
	}
}

// InvalidateAll invalidates each distinct namespace once and returns the combined count
func (i *Invalidator) InvalidateAll(ctx context.Context, namespaces []string) (int64, error) {
	var total int64
	for _, ns := range Distinct(namespaces) {
		removed, err := i.InvalidateNamespace(ctx, ns)
		total += removed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (i *Invalidator) deleteChunk(ctx context.Context, namespace string) (int64, error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, deleteChunkSQL, namespace, i.chunkSize)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return removed, nil
}

// Distinct returns the non-empty namespaces in sorted order without duplicates
func Distinct(namespaces []string) []string {
	seen := make(map[string]struct{}, len(namespaces))
	out := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		if ns == "" {
			continue
		}
		if _, ok := seen[ns]; ok {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
