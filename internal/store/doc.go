// Package store provides the durable key/value contract used by twin.
//
// Two things live in a KV store: Persistent state values (key "state:<key>")
// and process identity (key "session:id"). Clients additionally keep their
// UserAgentLocal state under "local:<key>".
//
// Implementations:
//   - SQLite: single-file store, the default for servers and dev clients
//   - Redis: shared store for servers that restart on different hosts
//   - Memory: process-local, for tests and offline runs
//
// # SQLite configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - One open connection: SQLite has a single writer
//
// Every row carries a write sequence (logical clock, never wall time) and the
// value digest from value.Digest, so dumps are ordered and comparable.
package store
