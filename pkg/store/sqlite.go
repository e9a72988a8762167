package store

import (
	"context"
	"fmt"
	"os"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS entries (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	PRIMARY KEY (collection, key)
) WITHOUT ROWID;
`

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// SQLiteOptions configures the SQLite backend
type SQLiteOptions struct {
	// Dir holds one database file per store name. Created if missing.
	Dir string
	// PoolSize defaults to 4. SQLite serializes writers anyway.
	PoolSize int
	Logger   *logger.Logger
}

type sqliteBackend struct {
	pool   *sqlitex.Pool
	path   string
	logger *logger.Logger
}

// OpenSQLite returns an open primitive backed by zombiezen.com/go/sqlite.
func OpenSQLite(opts SQLiteOptions) OpenFunc {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	return func(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Backend, error) {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create store directory", err)
		}
		path := sqlitePath(opts.Dir, name)

		pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
			PoolSize: opts.PoolSize,
			PrepareConn: func(conn *sqlite.Conn) error {
				for _, pragma := range sqlitePragmas {
					if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
						return fmt.Errorf("%s: %w", pragma, err)
					}
				}
				return nil
			},
		})
		if err != nil {
			return nil, types.WrapError(types.ErrCodeUnavailable, "failed to open sqlite store "+path, err)
		}

		b := &sqliteBackend{
			pool:   pool,
			path:   path,
			logger: opts.Logger.With("component", "store_sqlite", "path", path),
		}
		if err := b.migrate(ctx, name, version, upgrade); err != nil {
			pool.Close()
			return nil, err
		}

		b.logger.Info("SQLite store opened", "version", version, "pool_size", opts.PoolSize)
		return b, nil
	}
}

func (b *sqliteBackend) migrate(ctx context.Context, name string, version int, upgrade UpgradeFunc) (err error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to take sqlite connection", err)
	}
	defer b.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to create store schema", err)
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to begin upgrade transaction", err)
	}
	defer endTransaction(&err)

	stored := 0
	err = sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stored = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to read store version", err)
	}

	switch {
	case stored > version:
		return errVersion(name, stored, version)
	case stored == version:
		return nil
	}

	if upgrade != nil {
		if err := upgrade(sqliteUpgrader{conn: conn}, stored, version); err != nil {
			return types.WrapError(types.ErrCodeInternal, "store upgrade failed", err)
		}
	}
	// PRAGMA does not accept bound parameters; version is an int.
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", version), nil); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to write store version", err)
	}
	return nil
}

type sqliteUpgrader struct {
	conn *sqlite.Conn
}

func (u sqliteUpgrader) HasCollection(name string) (bool, error) {
	found := false
	err := sqlitex.Execute(u.conn, "SELECT 1 FROM collections WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func (u sqliteUpgrader) CreateCollection(name string) error {
	return sqlitex.Execute(u.conn, "INSERT OR IGNORE INTO collections (name) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{name},
	})
}

func (b *sqliteBackend) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, false, types.WrapError(types.ErrCodeUnavailable, "failed to take sqlite connection", err)
	}
	defer b.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM entries WHERE collection = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{collection, key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, types.WrapError(types.ErrCodeInternal, "sqlite get failed", err)
	}
	return value, found, nil
}

func (b *sqliteBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to take sqlite connection", err)
	}
	defer b.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO entries (collection, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{collection, key, value}})
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "sqlite put failed", err)
	}
	return nil
}

func (b *sqliteBackend) Delete(ctx context.Context, collection, key string) error {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to take sqlite connection", err)
	}
	defer b.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM entries WHERE collection = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{collection, key},
	})
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "sqlite delete failed", err)
	}
	return nil
}

func (b *sqliteBackend) List(ctx context.Context, collection string) ([][]byte, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to take sqlite connection", err)
	}
	defer b.pool.Put(conn)

	var values [][]byte
	err = sqlitex.Execute(conn, "SELECT value FROM entries WHERE collection = ? ORDER BY key", &sqlitex.ExecOptions{
		Args: []any{collection},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			values = append(values, value)
			return nil
		},
	})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "sqlite list failed", err)
	}
	return values, nil
}

func (b *sqliteBackend) Close() error {
	if err := b.pool.Close(); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close sqlite store", err)
	}
	b.logger.Info("SQLite store closed")
	return nil
}
