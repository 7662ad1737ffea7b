// Package pipe connects a server endpoint and any number of client
// endpoints inside one process.
//
// Every message crosses the same JSON encoding the WebSocket transport
// uses, so a test over a Hub exercises the wire format. Notifications
// pushed to an endpoint are delivered in order by a per-endpoint inbox
// goroutine; a Call does not return until the caller's inbox has
// delivered everything queued before the response.
package pipe
