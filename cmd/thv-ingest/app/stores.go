package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stacklok/toolhive-ingest/internal/config"
	"github.com/stacklok/toolhive-ingest/internal/db"
	"github.com/stacklok/toolhive-ingest/internal/logger"
	"github.com/stacklok/toolhive-ingest/internal/status"
	"github.com/stacklok/toolhive-ingest/internal/sync/state"
)

// stores gives the inspection commands direct access to the persisted state,
// without the HTTP server or the scheduler.
type stores struct {
	checkpoints state.Store
	runs        status.RunStore
	conn        *db.Connection
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	var sqlDB *sql.DB
	s := &stores{}

	if cfg.Storage.Type != config.StorageTypeFile {
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.conn = conn
		sqlDB = conn.DB
	}

	var err error
	if s.checkpoints, err = state.NewStore(cfg, sqlDB); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	if s.runs, err = status.NewRunStore(cfg, sqlDB); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return s, nil
}

func (s *stores) close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		logger.Errorf("Error closing database connection: %v", err)
	}
}
