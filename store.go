package freshcache

import (
	"fmt"

	"github.com/studentstore/freshcache/storage"
)

// OpenStore opens the storage backend selected by cfg.
func OpenStore(cfg StorageConfig) (storage.Store, error) {
	origin := cfg.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	switch cfg.Driver {
	case DriverMemory, "":
		return storage.NewMemory(), nil
	case DriverSQLite:
		return storage.NewSQLiteStore(cfg.DSN, origin)
	case DriverPostgres:
		return storage.NewPostgresStore(cfg.DSN, origin)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}
