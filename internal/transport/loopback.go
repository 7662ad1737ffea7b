package transport

import (
	"context"

	"github.com/roach88/twin/internal/value"
)

// Loopback is a Transport with no peers. Calls reach methods registered on
// the same transport; broadcasts go nowhere. Initialize reports
// connected=false so the engine knows it runs offline.
type Loopback struct {
	role   Role
	router *Router
}

var _ Transport = (*Loopback)(nil)

// NewLoopback creates a loopback transport playing role.
func NewLoopback(role Role) *Loopback {
	return &Loopback{role: role, router: NewRouter()}
}

// Role returns the configured role.
func (l *Loopback) Role() Role { return l.role }

// Initialize never connects.
func (l *Loopback) Initialize(context.Context) (bool, error) { return false, nil }

// Register installs a handler.
func (l *Loopback) Register(method string, h Handler) { l.router.Register(method, h) }

// Call runs a locally registered method, or fails with ErrNotConnected.
func (l *Loopback) Call(ctx context.Context, method string, params value.Object) (value.Value, error) {
	if !l.router.Has(method) {
		return nil, &Error{Op: "call", Method: method, Err: ErrNotConnected}
	}
	result, err := l.router.Dispatch(WithPeer(ctx, SessionOf(params)), method, params)
	if err != nil {
		// Same shape a remote peer would produce.
		return nil, Response(0, nil, err).Err(method)
	}
	return result, nil
}

// Broadcast has no peers to reach.
func (l *Loopback) Broadcast(context.Context, string, value.Object) error { return nil }

// Close is a no-op.
func (l *Loopback) Close() error { return nil }
