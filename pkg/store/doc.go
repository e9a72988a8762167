// Package store is the persistent key-value store shared by every client
// of the broker.
//
// The Facade owns a single backend connection that is opened lazily, at
// most once. Concurrent callers that arrive while the open is in flight
// wait for that same open instead of starting another. A failed open is not
// remembered; the next caller tries again.
//
// Data lives in named collections declared when the facade is built. The
// upgrade step that runs on open creates any missing collection, so
// re-declaring an existing one is a no-op. Operations on an undeclared
// collection fail with types.ErrCodeInvalidArgument.
//
// Values are encoded with deterministic CBOR before they reach a backend.
// Three backends are provided: SQLite (default, one file per store name),
// Redis (one hash per collection) and an in-process map for tests.
package store
