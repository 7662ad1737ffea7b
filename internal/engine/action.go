package engine

import (
	"context"
	"fmt"

	"github.com/roach88/twin/internal/rpc"
	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

// Side is the process role an action executes on.
type Side int

const (
	// SideServer actions execute on the server; clients call them remotely.
	SideServer Side = iota + 1
	// SideClient actions execute on a client; the server calls them on a
	// peer chosen with transport.WithPeer.
	SideClient
	// SideEither actions execute wherever they are invoked.
	SideEither
)

func (s Side) String() string {
	switch s {
	case SideServer:
		return "server"
	case SideClient:
		return "client"
	case SideEither:
		return "either"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s >= SideServer && s <= SideEither
}

// ParseSide converts a side name into a Side.
func ParseSide(str string) (Side, error) {
	switch str {
	case "server":
		return SideServer, nil
	case "client":
		return SideClient, nil
	case "either":
		return SideEither, nil
	default:
		return 0, fmt.Errorf("invalid side %q: must be server, client, or either", str)
	}
}

// runsOn reports whether an action of side s executes on role.
func (s Side) runsOn(role transport.Role) bool {
	switch s {
	case SideEither:
		return true
	case SideServer:
		return role == transport.RoleServer
	case SideClient:
		return role == transport.RoleClient
	default:
		return false
	}
}

// ActionHandler executes an action.
type ActionHandler func(ctx context.Context, args value.Object) (value.Value, error)

// Middleware wraps an action handler.
type Middleware func(next ActionHandler) ActionHandler

// ActionOption configures an action at registration.
type ActionOption func(*actionConfig)

type actionConfig struct {
	local      ActionHandler
	middleware []Middleware
}

// WithLocal attaches a handler that runs in the caller's process for
// InvokeLocal and InvokeLocalOnly, e.g. to apply an optimistic effect.
func WithLocal(h ActionHandler) ActionOption {
	return func(c *actionConfig) { c.local = h }
}

// WithMiddleware wraps the handlers. The first middleware is outermost.
func WithMiddleware(mw ...Middleware) ActionOption {
	return func(c *actionConfig) { c.middleware = append(c.middleware, mw...) }
}

// ActionContext describes the invocation a handler is serving.
type ActionContext struct {
	Action string
	// Caller is the session that invoked the action. For local execution it
	// is this process's own session.
	Caller string
	Role   transport.Role
	Remote bool
}

type actionContextKey struct{}

// ActionContextFrom returns the ActionContext of the running handler.
func ActionContextFrom(ctx context.Context) (ActionContext, bool) {
	ac, ok := ctx.Value(actionContextKey{}).(ActionContext)
	return ac, ok
}

// Action is a named request/response operation. Callers use Invoke and
// cannot tell whether it ran in this process or on the peer.
type Action struct {
	name    string
	side    Side
	eng     *Engine
	handler ActionHandler
	local   ActionHandler
}

// Name returns the namespaced action name.
func (a *Action) Name() string { return a.name }

// Side returns the declared side.
func (a *Action) Side() Side { return a.side }

// Local reports whether Invoke executes in this process.
func (a *Action) Local() bool { return a.side.runsOn(a.eng.Role()) }

func actionMethod(name string) string {
	return "action:" + name
}

// Invoke runs the action in this process when it is the declared side and
// otherwise calls the peer. A remote call returns after every delta the
// peer broadcast while handling it has been applied here.
//
// Handler failures are returned as *HandlerError. Transport failures and
// calls the peer refused (see transport.RemoteError.Refused) are returned
// as *transport.Error and are not retried.
func (a *Action) Invoke(ctx context.Context, args value.Object) (value.Value, error) {
	if err := a.eng.usable(); err != nil {
		return nil, err
	}
	if args == nil {
		args = value.Object{}
	}

	if a.Local() {
		return a.run(ctx, a.handler, args, a.eng.Session().ID, false)
	}

	result, err := a.eng.bridge.Call(ctx, actionMethod(a.name), args)
	if err != nil {
		return nil, remoteError(a.name, err)
	}
	if err := a.eng.barrier(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// InvokeLocal runs the local handler synchronously, then invokes the
// action normally and returns that result.
func (a *Action) InvokeLocal(ctx context.Context, args value.Object) (value.Value, error) {
	if _, err := a.InvokeLocalOnly(ctx, args); err != nil {
		return nil, err
	}
	return a.Invoke(ctx, args)
}

// InvokeLocalOnly runs only the local handler.
func (a *Action) InvokeLocalOnly(ctx context.Context, args value.Object) (value.Value, error) {
	if a.local == nil {
		return nil, fmt.Errorf("action %s: %w", a.name, ErrNoLocalHandler)
	}
	if args == nil {
		args = value.Object{}
	}
	return a.run(ctx, a.local, args, a.eng.Session().ID, false)
}

func (a *Action) run(ctx context.Context, h ActionHandler, args value.Object, caller string, remote bool) (value.Value, error) {
	ctx = context.WithValue(ctx, actionContextKey{}, ActionContext{
		Action: a.name,
		Caller: caller,
		Role:   a.eng.Role(),
		Remote: remote,
	})
	result, err := h(ctx, value.Clone(args).(value.Object))
	if err != nil {
		return nil, handlerError(a.name, err)
	}
	if result == nil {
		result = value.Null{}
	}
	return result, nil
}

// serve is the bridge handler for inbound calls. The bare handler error is
// returned so its message crosses the wire unchanged.
func (a *Action) serve(ctx context.Context, args value.Object) (value.Value, error) {
	ctx = context.WithValue(ctx, actionContextKey{}, ActionContext{
		Action: a.name,
		Caller: rpc.CallerSession(ctx),
		Role:   a.eng.Role(),
		Remote: true,
	})
	result, err := a.handler(ctx, args)
	if err != nil {
		a.eng.logger.Debug("action failed", "action", a.name, "error", err)
		return nil, err
	}
	return result, nil
}

func wrap(h ActionHandler, mw []Middleware) ActionHandler {
	if h == nil {
		return nil
	}
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
