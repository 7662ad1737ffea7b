package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/twin/internal/engine"
	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/transport/pipe"
	"github.com/roach88/twin/internal/value"
)

// DefaultSettleTimeout bounds how long state assertions wait for
// broadcasts to reach other clients.
const DefaultSettleTimeout = 2 * time.Second

// RegisterFunc adds an application's modules to a registry.
type RegisterFunc func(reg *engine.Registry) error

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger for the harness and the engines it starts.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithSettleTimeout overrides DefaultSettleTimeout.
func WithSettleTimeout(d time.Duration) Option {
	return func(h *Harness) { h.settle = d }
}

// Harness runs scenarios against real engines: one server and the
// scenario's clients, connected through a pipe hub. Every run starts from
// a fresh registry and store.
type Harness struct {
	register RegisterFunc
	logger   *slog.Logger
	settle   time.Duration
}

// New creates a harness for the application whose modules register adds.
func New(register RegisterFunc, opts ...Option) *Harness {
	h := &Harness{
		register: register,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		settle:   DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// cluster is the set of processes one scenario runs against.
type cluster struct {
	h       *Harness
	reg     *engine.Registry
	hub     *pipe.Hub
	kv      store.KV
	closeKV func() error
	server  *engine.Engine
	clients map[string]*engine.Engine
	order   []string
	clock   *engine.Clock
	result  *Result
}

// Run executes a scenario and returns its result. An error means the
// scenario could not run at all (bad registry, engine failed to start,
// failed setup); expectation failures are reported in the Result.
//
// Execution flow:
// 1. Register the application's modules on a fresh registry
// 2. Start the server, then each client in declaration order
// 3. Run setup steps, then flow steps with expect validation
// 4. Evaluate assertions
// 5. Capture every node's final state once clients have converged
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	reg := engine.NewRegistry()
	if err := h.register(reg); err != nil {
		return nil, fmt.Errorf("register modules: %w", err)
	}

	c := &cluster{
		h:       h,
		reg:     reg,
		hub:     pipe.NewHub(),
		clients: make(map[string]*engine.Engine),
		order:   scenario.Clients,
		clock:   engine.NewClock(),
		result:  NewResult(),
	}
	defer c.close()

	if err := c.openStore(scenario.Store); err != nil {
		return nil, err
	}
	if err := c.startServer(ctx); err != nil {
		return nil, err
	}
	for _, name := range scenario.Clients {
		if err := c.startClient(ctx, name); err != nil {
			return nil, err
		}
	}

	for i, step := range scenario.Setup {
		if err := c.step(ctx, step); err != nil {
			return nil, fmt.Errorf("setup step %d: %w", i, err)
		}
	}
	for i, step := range scenario.Flow {
		if err := c.step(ctx, step); err != nil {
			c.result.AddError(fmt.Sprintf("flow step %d: %v", i, err))
		}
	}

	for _, msg := range c.evaluate(ctx, scenario.Assertions) {
		c.result.AddError(msg)
	}

	if err := c.converge(ctx); err != nil {
		h.logger.Warn("clients did not converge before the state capture", "scenario", scenario.Name, "error", err)
	}
	c.capture()

	h.logger.Info("scenario finished",
		"scenario", scenario.Name,
		"pass", c.result.Pass,
		"events", len(c.result.Trace),
	)
	return c.result, nil
}

func (c *cluster) openStore(kind string) error {
	switch kind {
	case "", StoreMemory:
		c.kv = store.NewMemory()
		c.closeKV = func() error { return nil }
	case StoreSQLite:
		dir, err := os.MkdirTemp("", "twin-scenario-*")
		if err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
		db, err := store.Open(filepath.Join(dir, "twin.db"))
		if err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("open store: %w", err)
		}
		c.kv = db
		c.closeKV = func() error {
			err := db.Close()
			os.RemoveAll(dir)
			return err
		}
	default:
		return fmt.Errorf("unknown store %q", kind)
	}
	return nil
}

// sessions gives the server and every client a session id equal to its
// node name, so peer targeting in a scenario reads naturally.
func (c *cluster) sessions() *engine.FixedGenerator {
	return engine.NewFixedGenerator(append([]string{ServerNode}, c.order...)...)
}

func (c *cluster) startServer(ctx context.Context) error {
	e := engine.New(c.reg, c.hub.Server(), c.kv,
		engine.WithLogger(c.h.logger.With("node", ServerNode)),
		engine.WithSessionGenerator(c.sessions()),
	)
	if err := e.Initialize(ctx); err != nil {
		e.Close()
		return fmt.Errorf("start server: %w", err)
	}
	c.server = e
	return nil
}

func (c *cluster) startClient(ctx context.Context, name string) error {
	e := engine.New(c.reg, c.hub.Client(), store.NewMemory(),
		engine.WithLogger(c.h.logger.With("node", name)),
	)
	if err := e.Initialize(ctx); err != nil {
		e.Close()
		return fmt.Errorf("start client %s: %w", name, err)
	}
	c.clients[name] = e
	return nil
}

func (c *cluster) restart(ctx context.Context) error {
	if err := c.server.Close(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	if err := c.startServer(ctx); err != nil {
		return err
	}
	for _, name := range c.order {
		if err := c.clients[name].Resync(ctx); err != nil {
			return fmt.Errorf("resync %s: %w", name, err)
		}
	}
	return nil
}

func (c *cluster) node(name string) *engine.Engine {
	if name == ServerNode {
		return c.server
	}
	return c.clients[name]
}

func (c *cluster) close() {
	for _, name := range c.order {
		if e := c.clients[name]; e != nil {
			e.Close()
		}
	}
	if c.server != nil {
		c.server.Close()
	}
	if c.closeKV != nil {
		if err := c.closeKV(); err != nil {
			c.h.logger.Warn("close store failed", "error", err)
		}
	}
}

// step runs one step, traces it and checks its expect clause. The returned
// error describes an unmet expectation or a step that could not run.
func (c *cluster) step(ctx context.Context, step Step) error {
	on := step.node()
	e := c.node(on)
	if e == nil {
		return fmt.Errorf("unknown node %q", on)
	}

	if step.Restart {
		c.result.add(TraceEvent{Seq: c.clock.Next(), Type: EventRestart, Node: on})
		return c.restart(ctx)
	}

	var (
		got value.Value
		err error
	)
	switch {
	case step.Invoke != "":
		args, convErr := value.FromAny(step.Args)
		if convErr != nil {
			return fmt.Errorf("args: %w", convErr)
		}
		c.result.add(TraceEvent{
			Seq: c.clock.Next(), Type: EventInvoke, Node: on,
			Target: step.Invoke, Peer: step.Peer, Args: args,
		})
		got, err = c.invoke(ctx, e, step, args.(value.Object))
	case step.Set != "":
		v, convErr := value.FromAny(step.Value)
		if convErr != nil {
			return fmt.Errorf("value: %w", convErr)
		}
		c.result.add(TraceEvent{Seq: c.clock.Next(), Type: EventSet, Node: on, Target: step.Set, Args: v})
		got, err = c.set(ctx, e, step.Set, v)
	}

	if err != nil {
		c.result.add(TraceEvent{Seq: c.clock.Next(), Type: EventError, Node: on, Error: err.Error()})
	} else {
		c.result.add(TraceEvent{Seq: c.clock.Next(), Type: EventResult, Node: on, Result: got})
	}
	c.h.logger.Debug("step completed", "node", on, "invoke", step.Invoke, "set", step.Set, "error", err)

	return checkExpect(step, got, err)
}

func (c *cluster) invoke(ctx context.Context, e *engine.Engine, step Step, args value.Object) (value.Value, error) {
	a, err := e.Action(step.Invoke)
	if err != nil {
		return nil, err
	}
	if step.Peer != "" {
		ctx = transport.WithPeer(ctx, step.Peer)
	}
	return a.Invoke(ctx, args)
}

func (c *cluster) set(ctx context.Context, e *engine.Engine, key string, v value.Value) (value.Value, error) {
	st, err := e.State(key)
	if err != nil {
		return nil, err
	}
	if err := st.Set(ctx, v); err != nil {
		return nil, err
	}
	return st.Get(), nil
}

func checkExpect(step Step, got value.Value, err error) error {
	if step.Expect == nil {
		return err
	}
	if step.Expect.Error != "" {
		if err == nil {
			return fmt.Errorf("expected error containing %q, got result %s", step.Expect.Error, canonical(got))
		}
		if !strings.Contains(err.Error(), step.Expect.Error) {
			return fmt.Errorf("expected error containing %q, got %q", step.Expect.Error, err.Error())
		}
		return nil
	}
	if err != nil {
		return err
	}
	if step.Expect.Result == nil {
		return nil
	}
	want, convErr := value.FromAny(step.Expect.Result)
	if convErr != nil {
		return fmt.Errorf("expect result: %w", convErr)
	}
	if !value.Equal(want, got) {
		return fmt.Errorf("expected result %s, got %s", canonical(want), canonical(got))
	}
	return nil
}

// converge waits until every client's replicated values equal the
// server's.
func (c *cluster) converge(ctx context.Context) error {
	return c.poll(ctx, func() error {
		for _, name := range c.order {
			if err := c.diverged(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *cluster) diverged(name string) error {
	client := c.clients[name]
	for _, key := range c.server.States() {
		want, err := c.server.State(key)
		if err != nil {
			return err
		}
		if !want.Tier().Replicated() {
			continue
		}
		got, err := client.State(key)
		if err != nil {
			return err
		}
		if !value.Equal(want.Get(), got.Get()) {
			return fmt.Errorf("%s %s = %s, server has %s", name, key, canonical(got.Get()), canonical(want.Get()))
		}
	}
	return nil
}

// poll retries check until it passes or the settle timeout ends. Deltas
// reach clients other than the caller asynchronously.
func (c *cluster) poll(ctx context.Context, check func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, check()
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(5*time.Millisecond)),
		backoff.WithMaxElapsedTime(c.h.settle),
	)
	if err != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

func (c *cluster) capture() {
	c.result.Nodes = append([]string{ServerNode}, c.order...)
	for _, name := range c.result.Nodes {
		e := c.node(name)
		view := make(map[string]value.Value)
		for _, key := range e.States() {
			if st, err := e.State(key); err == nil {
				view[key] = st.Get()
			}
		}
		c.result.State[name] = view
	}
}
