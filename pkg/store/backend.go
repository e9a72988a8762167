package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/billm/switchboard/internal/config"
	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/types"
)

// Backend is an opened store connection. Every method is a single-key
// (or single-collection) operation that either applies fully or not at all.
// A missing key is reported by Get with ok=false, not an error.
type Backend interface {
	Get(ctx context.Context, collection, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) error
	// List returns every value in the collection ordered by key.
	List(ctx context.Context, collection string) ([][]byte, error)
	Close() error
}

// Upgrader is handed to an UpgradeFunc while a backend is being opened.
type Upgrader interface {
	HasCollection(name string) (bool, error)
	CreateCollection(name string) error
}

// UpgradeFunc runs when the stored schema version is lower than the one
// requested. oldVersion is 0 for a brand new store.
type UpgradeFunc func(u Upgrader, oldVersion, newVersion int) error

// OpenFunc opens the store called name at version, running upgrade first
// when needed.
type OpenFunc func(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Backend, error)

// errVersion reports a store that is newer than this build understands.
func errVersion(name string, stored, requested int) error {
	return types.NewError(types.ErrCodeFailedPrecondition,
		fmt.Sprintf("store %q is at version %d, newer than requested %d", name, stored, requested))
}

// OpenerFor returns the open primitive for the configured driver.
func OpenerFor(cfg config.StoreConfig, log *logger.Logger) (OpenFunc, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(SQLiteOptions{Dir: cfg.Dir, Logger: log}), nil
	case "redis":
		return OpenRedis(RedisOptions{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Logger: log}), nil
	case "memory":
		return OpenMemory(), nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unknown store driver: "+cfg.Driver)
	}
}

// sqlitePath returns the database file for a store name
func sqlitePath(dir, name string) string {
	return filepath.Join(dir, name+".db")
}
