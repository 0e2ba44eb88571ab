package state

import (
	"database/sql"
	"fmt"

	"github.com/stacklok/toolhive-ingest/internal/config"
)

// NewStore creates a checkpoint Store based on the configured storage type.
//
// Database storage keeps checkpoints in source_checkpoints and requires sqlDB.
// File storage keeps one JSON file per source under storage.dir.
func NewStore(cfg *config.Config, sqlDB *sql.DB) (Store, error) {
	switch cfg.Storage.Type {
	case config.StorageTypeFile:
		return NewFileStore(cfg.Storage.Dir)
	case config.StorageTypeDatabase, "":
		if sqlDB == nil {
			return nil, fmt.Errorf("database connection is required when storage type is database")
		}
		return NewDBStore(sqlDB), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}
