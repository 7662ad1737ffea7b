// Package engine implements the twin runtime: modules declare state and
// actions once, and the same declarations run in the server and in every
// client.
//
// ARCHITECTURE:
//
// Registry and Modules:
// Modules are registered on an explicit Registry. Engine.Initialize runs
// each module's init in registration order; an init creates its states and
// actions through a Scope and may look up modules initialized before it.
//
// Single Writer:
// The server is the only writer of replicated state. A client write is
// redirected to the server, applied there, and broadcast to every client
// (the writer included) as a delta.
//
// Delivery Loop:
// Deltas received by a client are queued and applied by one goroutine in
// arrival order. Remote calls end with a barrier through the same loop, so
// a caller observes its own writes when the call returns.
//
// Event Processing Flow:
// 1. Server write: persist (Persistent only), stamp seq, swap, notify, broadcast
// 2. Client receives state:<key>:set and enqueues a delta
// 3. Delivery loop drops stale deltas and applies the rest
// 4. Subscribers run on the applying goroutine
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Every write to a key is stamped with the key's monotonic seq from
// Clock.Next(), tagged with the server's epoch. Never wall-clock time.
//
// Fatal Registration Errors:
// Duplicate keys, duplicate actions and lookups of uninitialized modules
// fail Initialize. A failed engine answers every non-system call with
// not_ready.
package engine
