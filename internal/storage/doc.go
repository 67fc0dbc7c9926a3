// Package storage persists finished task executions.
//
// Three drivers share one Store interface: an append-only JSON Lines file
// replayed into memory on open, embedded SQLite (modernc, no cgo), and
// shared PostgreSQL. Open returns a nil Store when storage is disabled;
// run history then lives only in the executor's in-memory ring.
package storage
