// Package storage selects the SessionStore backend from configuration.
package storage

import (
	"fmt"

	"github.com/tjfontaine/conversion-relay/internal/config"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
	"github.com/tjfontaine/conversion-relay/internal/storage/memory"
	"github.com/tjfontaine/conversion-relay/internal/storage/sqldb"
)

// SessionStore is re-exported for callers that only need the storage package.
type SessionStore = ports.SessionStore

// Open returns the store named by cfg.Type.
func Open(cfg config.StorageConfig) (SessionStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sql":
		store, err := sqldb.New(sqldb.Config{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
