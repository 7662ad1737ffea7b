// Package rpc is the bridge between the engine and a transport.
//
// The bridge owns a closed dispatch table: methods are registered during
// initialization, duplicates are rejected when they are registered, and
// Seal freezes the table. Every outbound call carries the local session
// id; every inbound call has it stripped from params and placed in the
// context instead.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/twin/internal/metrics"
	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

var (
	// ErrDuplicateMethod means the method already has a handler.
	ErrDuplicateMethod = errors.New("method already registered")
	// ErrSealed means the dispatch table no longer accepts registrations.
	ErrSealed = errors.New("dispatch table sealed")
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithMetrics records call and broadcast metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge wraps a transport with session handling and a closed dispatch
// table.
type Bridge struct {
	t       transport.Transport
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	methods map[string]struct{}
	sealed  bool

	session atomic.Value // string
	ready   atomic.Bool
}

// New creates a bridge over t.
func New(t transport.Transport, opts ...Option) *Bridge {
	b := &Bridge{
		t:       t,
		logger:  slog.Default(),
		methods: make(map[string]struct{}),
	}
	b.session.Store("")
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Transport returns the wrapped transport.
func (b *Bridge) Transport() transport.Transport { return b.t }

// Role returns the transport's role.
func (b *Bridge) Role() transport.Role { return b.t.Role() }

// IsSystem reports whether method is served before the engine is ready.
// System methods start with "$".
func IsSystem(method string) bool {
	return strings.HasPrefix(method, "$")
}

// SetSession sets the id merged into outbound params.
func (b *Bridge) SetSession(id string) { b.session.Store(id) }

// Session returns the local session id.
func (b *Bridge) Session() string { return b.session.Load().(string) }

// SetReady opens or closes the gate in front of non-system methods.
func (b *Bridge) SetReady(ready bool) { b.ready.Store(ready) }

// Ready reports whether non-system methods are served.
func (b *Bridge) Ready() bool { return b.ready.Load() }

// Seal freezes the dispatch table.
func (b *Bridge) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
}

// Methods returns the registered method names.
func (b *Bridge) Methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.methods))
	for m := range b.methods {
		out = append(out, m)
	}
	return out
}

// Register installs h for method. It fails when the method is taken or
// the table is sealed.
func (b *Bridge) Register(method string, h transport.Handler) error {
	return b.register(method, h, IsSystem(method))
}

// RegisterUngated is Register for methods that must be served before the
// engine is ready, such as replica deltas that arrive during startup.
func (b *Bridge) RegisterUngated(method string, h transport.Handler) error {
	return b.register(method, h, true)
}

func (b *Bridge) register(method string, h transport.Handler, ungated bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return fmt.Errorf("register %s: %w", method, ErrSealed)
	}
	if _, ok := b.methods[method]; ok {
		return fmt.Errorf("register %s: %w", method, ErrDuplicateMethod)
	}
	b.methods[method] = struct{}{}
	b.t.Register(method, b.receive(method, h, ungated))
	return nil
}

// receive is the inbound middleware: gate, strip the session, record.
func (b *Bridge) receive(method string, h transport.Handler, ungated bool) transport.Handler {
	return func(ctx context.Context, params value.Object) (value.Value, error) {
		if !ungated && !b.ready.Load() {
			return nil, transport.NewRemoteError(transport.CodeNotReady, "engine not ready")
		}

		caller := transport.SessionOf(params)
		if _, ok := params[transport.SessionParam]; ok {
			stripped := make(value.Object, len(params)-1)
			for k, v := range params {
				if k != transport.SessionParam {
					stripped[k] = v
				}
			}
			params = stripped
		}

		start := time.Now()
		result, err := h(withCaller(ctx, caller), params)
		b.metrics.ObserveCall(metrics.Inbound, method, time.Since(start), err)
		if err != nil {
			b.logger.Debug("inbound call failed", "method", method, "caller", caller, "error", err)
		}
		return result, err
	}
}

// withSession copies params with the local session added.
func (b *Bridge) withSession(params value.Object) value.Object {
	merged := make(value.Object, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged[transport.SessionParam] = value.String(b.Session())
	return merged
}

// Call sends method to the peer with the local session merged into params.
func (b *Bridge) Call(ctx context.Context, method string, params value.Object) (value.Value, error) {
	start := time.Now()
	result, err := b.t.Call(ctx, method, b.withSession(params))
	b.metrics.ObserveCall(metrics.Outbound, method, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Broadcast sends a notification to every connected peer, with the local
// session merged into params like Call.
func (b *Bridge) Broadcast(ctx context.Context, method string, params value.Object) error {
	if err := b.t.Broadcast(ctx, method, b.withSession(params)); err != nil {
		return err
	}
	b.metrics.ObserveBroadcast(method)
	return nil
}

type callerKey struct{}

func withCaller(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, callerKey{}, session)
}

// CallerSession returns the session id of the peer whose call is being
// served, or "" outside an inbound call.
func CallerSession(ctx context.Context) string {
	s, _ := ctx.Value(callerKey{}).(string)
	return s
}
