package store

import (
	"context"
	"sort"
	"sync"

	"github.com/billm/switchboard/pkg/types"
)

// memoryBackend keeps everything in process. Data survives Close and a
// later open of the same name through the same OpenFunc, which mirrors the
// persistent backends closely enough for tests.
type memoryBackend struct {
	db *memoryDB
}

type memoryDB struct {
	mu          sync.RWMutex
	version     int
	collections map[string]map[string][]byte
}

// OpenMemory returns an open primitive for an in-process store.
func OpenMemory() OpenFunc {
	var mu sync.Mutex
	dbs := make(map[string]*memoryDB)

	return func(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Backend, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mu.Lock()
		db, ok := dbs[name]
		if !ok {
			db = &memoryDB{collections: make(map[string]map[string][]byte)}
			dbs[name] = db
		}
		mu.Unlock()

		db.mu.Lock()
		defer db.mu.Unlock()

		if db.version > version {
			return nil, errVersion(name, db.version, version)
		}
		if db.version < version {
			if upgrade != nil {
				if err := upgrade(memoryUpgrader{db}, db.version, version); err != nil {
					return nil, types.WrapError(types.ErrCodeInternal, "store upgrade failed", err)
				}
			}
			db.version = version
		}
		return &memoryBackend{db: db}, nil
	}
}

type memoryUpgrader struct {
	db *memoryDB
}

func (u memoryUpgrader) HasCollection(name string) (bool, error) {
	_, ok := u.db.collections[name]
	return ok, nil
}

func (u memoryUpgrader) CreateCollection(name string) error {
	if _, ok := u.db.collections[name]; !ok {
		u.db.collections[name] = make(map[string][]byte)
	}
	return nil
}

func (m *memoryBackend) collection(name string) (map[string][]byte, error) {
	c, ok := m.db.collections[name]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, "collection not created: "+name)
	}
	return c, nil
}

func (m *memoryBackend) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return nil, false, err
	}
	v, ok := c[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memoryBackend) Put(_ context.Context, collection, key string, value []byte) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	c[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, collection, key string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	delete(c, key)
	return nil
}

func (m *memoryBackend) List(_ context.Context, collection string) ([][]byte, error) {
	m.db.mu.RLock()
	defer m.db.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, append([]byte(nil), c[k]...))
	}
	return out, nil
}

func (m *memoryBackend) Close() error { return nil }
