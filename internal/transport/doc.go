// Package transport defines the narrow contract the RPC bridge is built on.
//
// A Transport is a bidirectional call primitive with a role marker. Clients
// initiate the connection; the server accepts many. The bridge never learns
// which implementation it holds:
//
//   - pipe: client and server endpoints in one process (tests, harness)
//   - ws: WebSocket server and reconnecting client
//   - Loopback: no peers at all, for offline runs and builds
//
// # Wire envelope
//
// Requests and notifications are {"method","params","id"?}; a present id
// correlates a request with its response {"id","result"|"error"}. Every
// outbound request carries the caller's session id in params under
// SessionParam, so receivers resolve identity without a second handshake.
package transport
