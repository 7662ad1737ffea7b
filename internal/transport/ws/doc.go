// Package ws carries the wire envelope over WebSocket text frames.
//
// Server accepts many clients on one HTTP handler and binds each
// connection to the session id found in its inbound messages. Client
// dials with exponential backoff, reconnects after a drop and runs the
// hooks registered with OnReconnect once the new connection is up.
//
// Each connection has one reader and one writer goroutine. Notifications
// are dispatched inline by the reader, so a delta sent before a response
// is handed to its handler before the caller sees that response.
package ws
