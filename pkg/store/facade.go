package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/types"
)

const defaultOpenTimeout = 30 * time.Second

// Options configures a Facade
type Options struct {
	Name        string
	Version     int
	Collections []string
	Open        OpenFunc
	// OpenTimeout bounds the shared open. It is independent of any single
	// caller's context so one impatient caller cannot fail the open for
	// everyone waiting on it.
	OpenTimeout time.Duration
	Logger      *logger.Logger
}

// Facade is the single entry point to the persistent store.
type Facade struct {
	name        string
	version     int
	collections []string
	declared    map[string]bool
	open        OpenFunc
	openTimeout time.Duration
	logger      *logger.Logger

	mu      sync.Mutex
	backend Backend
	pending *openCall
	closed  bool
}

// openCall is the in-flight open every early caller waits on.
type openCall struct {
	done    chan struct{}
	backend Backend
	err     error
}

// NewFacade creates a facade. Nothing is opened until the first operation.
func NewFacade(opts Options) (*Facade, error) {
	if opts.Open == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "store open primitive is required")
	}
	if opts.Name == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "store name cannot be empty")
	}
	if opts.Version < 1 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "store version must be at least 1")
	}
	if len(opts.Collections) == 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "store must declare at least one collection")
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	declared := make(map[string]bool, len(opts.Collections))
	collections := make([]string, 0, len(opts.Collections))
	for _, c := range opts.Collections {
		if c == "" || declared[c] {
			continue
		}
		declared[c] = true
		collections = append(collections, c)
	}

	return &Facade{
		name:        opts.Name,
		version:     opts.Version,
		collections: collections,
		declared:    declared,
		open:        opts.Open,
		openTimeout: opts.OpenTimeout,
		logger:      opts.Logger.With("component", "store", "store", opts.Name),
	}, nil
}

// Collections returns the declared collection names in declaration order
func (f *Facade) Collections() []string {
	return append([]string(nil), f.collections...)
}

// Open returns the shared backend, opening it on first use.
func (f *Facade) Open(ctx context.Context) (Backend, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, types.NewError(types.ErrCodeUnavailable, "store is closed")
	}
	if f.backend != nil {
		b := f.backend
		f.mu.Unlock()
		return b, nil
	}
	call := f.pending
	if call == nil {
		call = &openCall{done: make(chan struct{})}
		f.pending = call
		go f.doOpen(call)
	}
	f.mu.Unlock()

	select {
	case <-call.done:
		return call.backend, call.err
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeCanceled, "waiting for store open", ctx.Err())
	}
}

func (f *Facade) doOpen(call *openCall) {
	ctx, cancel := context.WithTimeout(context.Background(), f.openTimeout)
	defer cancel()

	start := time.Now()
	backend, err := f.open(ctx, f.name, f.version, f.upgrade)

	f.mu.Lock()
	f.pending = nil
	switch {
	case err != nil:
		call.err = types.WrapError(types.ErrCodeUnavailable, "failed to open store", err)
	case f.closed:
		backend.Close()
		call.err = types.NewError(types.ErrCodeUnavailable, "store is closed")
	default:
		f.backend = backend
		call.backend = backend
	}
	f.mu.Unlock()
	close(call.done)

	if err != nil {
		f.logger.Error("Store open failed", "error", err)
		return
	}
	f.logger.Info("Store opened", "version", f.version, "duration", time.Since(start).String())
}

func (f *Facade) upgrade(u Upgrader, oldVersion, newVersion int) error {
	for _, c := range f.collections {
		exists, err := u.HasCollection(c)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		f.logger.Info("Creating collection", "collection", c, "from_version", oldVersion, "to_version", newVersion)
		if err := u.CreateCollection(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *Facade) backendFor(ctx context.Context, collection string) (Backend, error) {
	if !f.declared[collection] {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("object store %q does not exist", collection))
	}
	return f.Open(ctx)
}

// Get returns the value stored under key, or nil when there is none.
func (f *Facade) Get(ctx context.Context, collection, key string) (any, error) {
	var v any
	if _, err := f.GetInto(ctx, collection, key, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// GetInto decodes the value stored under key into dst and reports whether
// the key exists.
func (f *Facade) GetInto(ctx context.Context, collection, key string, dst any) (bool, error) {
	b, err := f.backendFor(ctx, collection)
	if err != nil {
		return false, err
	}
	raw, ok, err := b.Get(ctx, collection, key)
	if err != nil || !ok {
		return false, err
	}
	if err := decodeValue(raw, dst); err != nil {
		return false, types.WrapError(types.ErrCodeInternal, "failed to decode stored value", err)
	}
	return true, nil
}

// Set stores value under key, replacing any previous value.
func (f *Facade) Set(ctx context.Context, collection, key string, value any) error {
	b, err := f.backendFor(ctx, collection)
	if err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to encode value", err)
	}
	return b.Put(ctx, collection, key, raw)
}

// Delete removes key. Deleting a missing key succeeds.
func (f *Facade) Delete(ctx context.Context, collection, key string) error {
	b, err := f.backendFor(ctx, collection)
	if err != nil {
		return err
	}
	return b.Delete(ctx, collection, key)
}

// List returns every value in collection ordered by key.
func (f *Facade) List(ctx context.Context, collection string) ([]any, error) {
	b, err := f.backendFor(ctx, collection)
	if err != nil {
		return nil, err
	}
	raws, err := b.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(raws))
	for _, raw := range raws {
		var v any
		if err := decodeValue(raw, &v); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to decode stored value", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Opened reports whether the backend has been opened
func (f *Facade) Opened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend != nil
}

// Close closes the backend. An open still in flight is closed when it lands.
func (f *Facade) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	b := f.backend
	f.backend = nil
	f.mu.Unlock()

	if b == nil {
		return nil
	}
	return b.Close()
}
