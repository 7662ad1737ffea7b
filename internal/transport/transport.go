package transport

import (
	"context"
	"fmt"

	"github.com/roach88/twin/internal/value"
)

// SessionParam is the params key carrying the caller's session id.
const SessionParam = "$session"

// Role marks which side of the handshake a process plays.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleServer
}

// ParseRole converts a string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q: must be client or server", s)
	}
	return r, nil
}

// Handler serves one method. params never contain SessionParam when the
// bridge is in front of the handler.
type Handler func(ctx context.Context, params value.Object) (value.Value, error)

// Transport is the contract consumed by the RPC bridge.
//
// Initialize establishes the connection and reports whether a peer is
// reachable. Register may be called before or after Initialize; a later
// registration of the same method replaces the earlier one (duplicate
// detection is the bridge's job). Call is point-to-point and awaits the
// response; Broadcast is fire-and-forget to every connected peer.
type Transport interface {
	Role() Role
	Initialize(ctx context.Context) (connected bool, err error)
	Register(method string, h Handler)
	Call(ctx context.Context, method string, params value.Object) (value.Value, error)
	Broadcast(ctx context.Context, method string, params value.Object) error
	Close() error
}

// Reconnector is implemented by transports that re-establish a dropped
// connection on their own. fn runs after every successful reconnect.
type Reconnector interface {
	OnReconnect(fn func(ctx context.Context))
}

type peerKey struct{}

// WithPeer targets a server-side Call at the peer holding sessionID.
// On receipt, transports also set it to the sending peer's session.
func WithPeer(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, peerKey{}, sessionID)
}

// PeerFrom returns the peer session set by WithPeer.
func PeerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(peerKey{}).(string)
	return id, ok && id != ""
}

// SessionOf extracts the caller session from raw params.
func SessionOf(params value.Object) string {
	if s, ok := params[SessionParam].(value.String); ok {
		return string(s)
	}
	return ""
}
