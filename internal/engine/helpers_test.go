package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/transport/pipe"
	"github.com/roach88/twin/internal/value"
)

const waitFor = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEngine initializes an engine over t and closes it with the test.
func startEngine(t *testing.T, reg *Registry, tr transport.Transport, kv store.KV, opts ...EngineOption) *Engine {
	t.Helper()
	e := New(reg, tr, kv, append([]EngineOption{WithLogger(testLogger())}, opts...)...)
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.Initialize(context.Background()))
	return e
}

// topology is one server and any number of clients over a pipe hub.
type topology struct {
	t      *testing.T
	hub    *pipe.Hub
	reg    *Registry
	server *Engine
}

func newTopology(t *testing.T, reg *Registry) *topology {
	t.Helper()
	hub := pipe.NewHub()
	return &topology{
		t:      t,
		hub:    hub,
		reg:    reg,
		server: startEngine(t, reg, hub.Server(), store.NewMemory()),
	}
}

func (tp *topology) client() *Engine {
	tp.t.Helper()
	return startEngine(tp.t, tp.reg, tp.hub.Client(), store.NewMemory())
}

func mustState(t *testing.T, e *Engine, key string) *State {
	t.Helper()
	st, err := e.State(key)
	require.NoError(t, err)
	return st
}

func mustAction(t *testing.T, e *Engine, name string) *Action {
	t.Helper()
	a, err := e.Action(name)
	require.NoError(t, err)
	return a
}

// registerCounter registers the "counter" module: Shared count=0 and a
// server-side increment action.
func registerCounter(t *testing.T, reg *Registry) {
	t.Helper()
	require.NoError(t, reg.Register("counter", ModuleConfig{}, func(_ context.Context, s *Scope) (any, error) {
		count, err := s.Shared("count", value.Int(0))
		if err != nil {
			return nil, err
		}
		_, err = s.ServerAction("increment", func(ctx context.Context, args value.Object) (value.Value, error) {
			by, ok := args.Get("by").(value.Int)
			if !ok {
				by = 1
			}
			var next value.Int
			err := count.Update(ctx, func(v value.Value) value.Value {
				n, _ := v.(value.Int)
				next = n + by
				return next
			})
			return next, err
		})
		return count, err
	}))
}
