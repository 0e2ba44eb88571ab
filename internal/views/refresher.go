// Package views refreshes materialized views derived from ingested data.
package views

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/stacklok/toolhive-ingest/internal/logger"
)

// Refresher refreshes a fixed list of materialized views in order
type Refresher struct {
	db           *sql.DB
	views        []string
	concurrently bool
}

// NewRefresher creates a Refresher. With concurrently set, views are refreshed
// with REFRESH MATERIALIZED VIEW CONCURRENTLY, which requires a unique index on each view.
func NewRefresher(sqlDB *sql.DB, views []string, concurrently bool) *Refresher {
	return &Refresher{
		db:           sqlDB,
		views:        views,
		concurrently: concurrently,
	}
}

// Views returns the configured view names
func (r *Refresher) Views() []string {
	return r.views
}

// Refresh refreshes every configured view, stopping at the first failure
func (r *Refresher) Refresh(ctx context.Context) error {
	for _, view := range r.views {
		stmt, err := r.statement(view)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to refresh materialized view %s: %w", view, err)
		}
		logger.Debugf("Refreshed materialized view %s", view)
	}
	return nil
}

func (r *Refresher) statement(view string) (string, error) {
	parts := strings.Split(view, ".")
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("invalid materialized view name %q", view)
		}
	}

	var b strings.Builder
	b.WriteString("REFRESH MATERIALIZED VIEW ")
	if r.concurrently {
		b.WriteString("CONCURRENTLY ")
	}
	b.WriteString(pgx.Identifier(parts).Sanitize())
	return b.String(), nil
}
