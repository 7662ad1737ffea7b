package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/twin/internal/metrics"
	"github.com/roach88/twin/internal/rpc"
	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

// System methods, served before the engine is ready.
const (
	MethodHandshake = "$session:handshake"
	MethodSnapshot  = "$state:snapshot"
)

const (
	phaseNew int32 = iota
	phaseStarting
	phaseReady
	phaseFailed
	phaseClosed
)

// Engine owns the module registry, the RPC bridge and every state
// supervisor and action of one process.
//
// Thread-safety model:
//   - Initialize: called once; runs module inits sequentially
//   - State and Action methods: safe from any goroutine
//   - remote deltas: applied by one delivery goroutine in arrival order
type Engine struct {
	reg     *Registry
	bridge  *rpc.Bridge
	kv      store.KV
	logger  *slog.Logger
	metrics *metrics.Collector
	gen     SessionIDGenerator

	// epoch identifies this server process in deltas, so replicas can tell
	// a restarted server's seq numbers from stale ones.
	epoch string

	queue    *eventQueue
	loopDone chan struct{}

	mu          sync.RWMutex
	session     Session
	states      map[string]*State
	actions     map[string]*Action
	exports     map[string]any
	initialized map[string]bool
	initErr     error

	phase     atomic.Int32
	ready     chan struct{}
	closeOnce sync.Once
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLogger sets the engine logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records bridge and state metrics.
func WithMetrics(m *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithSessionGenerator replaces the UUIDv7 session id generator.
func WithSessionGenerator(g SessionIDGenerator) EngineOption {
	return func(e *Engine) { e.gen = g }
}

// New creates an engine over t. kv backs Persistent state on a server,
// UserAgentLocal state on a client and the session id on both; nil means
// an in-memory store.
func New(reg *Registry, t transport.Transport, kv store.KV, opts ...EngineOption) *Engine {
	if kv == nil {
		kv = store.NewMemory()
	}
	e := &Engine{
		reg:         reg,
		kv:          kv,
		logger:      slog.Default(),
		gen:         UUIDv7Generator{},
		epoch:       UUIDv7Generator{}.Generate(),
		queue:       newEventQueue(),
		loopDone:    make(chan struct{}),
		states:      make(map[string]*State),
		actions:     make(map[string]*Action),
		exports:     make(map[string]any),
		initialized: make(map[string]bool),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.bridge = rpc.New(t, rpc.WithLogger(e.logger), rpc.WithMetrics(e.metrics))

	go e.run()
	return e
}

// Role returns the transport's role.
func (e *Engine) Role() transport.Role { return e.bridge.Role() }

// Session returns the resolved session. Empty until Initialize has
// completed its handshake.
func (e *Engine) Session() Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// Initialize connects, resolves the session, runs every module init in
// registration order, fetches a snapshot on a client and then marks the
// engine ready. Any error leaves the engine failed: inbound calls are
// rejected and WaitForInitialize returns the same error.
func (e *Engine) Initialize(ctx context.Context) error {
	if !e.phase.CompareAndSwap(phaseNew, phaseStarting) {
		return fmt.Errorf("engine already initialized")
	}

	err := e.initialize(ctx)

	e.mu.Lock()
	e.initErr = err
	e.mu.Unlock()

	if err != nil {
		e.phase.Store(phaseFailed)
		e.bridge.SetReady(false)
		e.logger.Error("engine initialization failed", "role", e.Role(), "error", err)
	} else {
		e.phase.Store(phaseReady)
		e.bridge.SetReady(true)
		e.logger.Info("engine ready",
			"role", e.Role(),
			"session", e.Session().ID,
			"states", len(e.States()),
			"actions", len(e.Actions()),
		)
	}
	close(e.ready)
	return err
}

func (e *Engine) initialize(ctx context.Context) error {
	role := e.Role()
	if !role.Valid() {
		return fmt.Errorf("transport has invalid role %q", role)
	}

	if role == transport.RoleServer {
		if err := e.registerMethod(MethodHandshake, e.handleHandshake); err != nil {
			return err
		}
		if err := e.registerMethod(MethodSnapshot, e.handleSnapshot); err != nil {
			return err
		}
	}

	connected, err := e.bridge.Transport().Initialize(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if role == transport.RoleClient && !connected {
		return &transport.Error{Op: "connect", Err: transport.ErrNotConnected}
	}

	if err := e.resolveSession(ctx); err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	for _, cycle := range e.reg.DependencyCycles() {
		e.logger.Warn("module dependency cycle", "path", strings.Join(cycle, " -> "))
	}
	for _, m := range e.reg.snapshot() {
		if err := e.initModule(ctx, m); err != nil {
			return err
		}
	}

	if role == transport.RoleClient {
		if err := e.Resync(ctx); err != nil {
			return fmt.Errorf("initial resync: %w", err)
		}
		if r, ok := e.bridge.Transport().(transport.Reconnector); ok {
			r.OnReconnect(e.onReconnect)
		}
	}

	e.bridge.Seal()
	return nil
}

// WaitForInitialize blocks until Initialize finishes and returns its error.
func (e *Engine) WaitForInitialize(ctx context.Context) error {
	select {
	case <-e.ready:
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether Initialize succeeded and the engine is not closed.
func (e *Engine) Ready() bool {
	return e.phase.Load() == phaseReady
}

func (e *Engine) usable() error {
	switch e.phase.Load() {
	case phaseFailed, phaseClosed:
		return ErrNotReady
	default:
		return nil
	}
}

// Close stops the delivery loop and closes the transport.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.phase.Store(phaseClosed)
		e.bridge.SetReady(false)
		err = e.bridge.Transport().Close()
		e.queue.Close()
		<-e.loopDone
	})
	return err
}

// State returns the supervisor for a namespaced key.
func (e *Engine) State(key string) (*State, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[key]
	if !ok {
		return nil, fmt.Errorf("state %q not registered", key)
	}
	return st, nil
}

// Action returns a namespaced action.
func (e *Engine) Action(name string) (*Action, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[name]
	if !ok {
		return nil, fmt.Errorf("action %q not registered", name)
	}
	return a, nil
}

// Module returns the value a module's init returned.
func (e *Engine) Module(id string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.exports[id]
	return v, ok
}

// States returns every registered state key, sorted.
func (e *Engine) States() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.states))
	for k := range e.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Actions returns every registered action name, sorted.
func (e *Engine) Actions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.actions))
	for n := range e.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Routes returns the routes declared by registered modules.
func (e *Engine) Routes() []ModuleRoute {
	return e.reg.Routes()
}

// Resync fetches every replicated value from the server and applies it.
// Clients call it during Initialize and after a reconnect; on a server it
// is a no-op.
func (e *Engine) Resync(ctx context.Context) error {
	if e.Role() != transport.RoleClient {
		return nil
	}
	result, err := e.bridge.Call(ctx, MethodSnapshot, nil)
	if err != nil {
		return err
	}
	snap, ok := result.(value.Object)
	if !ok {
		return fmt.Errorf("snapshot: expected object, got %s", value.Kind(result))
	}

	applied := 0
	for _, key := range snap.SortedKeys() {
		e.mu.RLock()
		st := e.states[key]
		e.mu.RUnlock()
		if st == nil || !st.tier.Replicated() {
			continue
		}
		entry, ok := snap[key].(value.Object)
		if !ok {
			continue
		}
		v, seq, epoch, err := parseDelta(entry)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", key, err)
		}
		e.queue.Enqueue(event{typ: eventDelta, state: st, value: v, seq: seq, epoch: epoch})
		applied++
	}
	e.logger.Debug("resync fetched snapshot", "keys", applied)
	return e.barrier(ctx)
}

func (e *Engine) onReconnect(ctx context.Context) {
	if err := e.resolveSession(ctx); err != nil {
		e.logger.Warn("session handshake after reconnect failed", "error", err)
		return
	}
	if err := e.Resync(ctx); err != nil {
		e.logger.Warn("resync after reconnect failed", "error", err)
	}
}

// resolveSession loads or mints this process's session id. A client
// replays its stored id in the handshake and adopts the server's answer.
func (e *Engine) resolveSession(ctx context.Context) error {
	stored, ok, err := e.kv.Get(ctx, store.KeySessionID)
	if err != nil {
		return err
	}
	var id string
	if s, isString := stored.(value.String); ok && isString {
		id = string(s)
	}

	switch e.Role() {
	case transport.RoleServer:
		if id == "" {
			id = e.gen.Generate()
		}
	case transport.RoleClient:
		e.bridge.SetSession(id)
		result, err := e.bridge.Call(ctx, MethodHandshake, nil)
		if err != nil {
			return err
		}
		obj, _ := result.(value.Object)
		assigned, _ := obj.Get("session").(value.String)
		if assigned == "" {
			return fmt.Errorf("handshake returned no session id")
		}
		id = string(assigned)
	}

	if !ok || !value.Equal(stored, value.String(id)) {
		if err := e.kv.Set(ctx, store.KeySessionID, value.String(id)); err != nil {
			return err
		}
	}

	e.bridge.SetSession(id)
	e.mu.Lock()
	e.session = Session{ID: id, Role: e.Role()}
	e.mu.Unlock()
	e.logger.Debug("session resolved", "session", id, "role", e.Role())
	return nil
}

func (e *Engine) handleHandshake(ctx context.Context, _ value.Object) (value.Value, error) {
	id := rpc.CallerSession(ctx)
	if id == "" {
		id = e.gen.Generate()
		e.logger.Info("session minted", "session", id)
	}
	return value.Obj(value.P("session", value.String(id))), nil
}

func (e *Engine) handleSnapshot(context.Context, value.Object) (value.Value, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(value.Object)
	for key, st := range e.states {
		if st.tier.Replicated() {
			out[key] = st.snapshot()
		}
	}
	return out, nil
}

func (e *Engine) initModule(ctx context.Context, m *module) error {
	for _, dep := range m.cfg.DependsOn {
		if !e.isInitialized(dep) {
			return fmt.Errorf("init module %s: %w", m.id, NewUninitializedDependencyError(m.id, dep))
		}
	}

	scope := &Scope{ctx: ctx, eng: e, module: m}
	exported, err := m.init(ctx, scope)
	if err == nil {
		err = scope.err()
	}
	if err != nil {
		return fmt.Errorf("init module %s: %w", m.id, err)
	}

	e.mu.Lock()
	e.exports[m.id] = exported
	e.initialized[m.id] = true
	e.mu.Unlock()

	e.logger.Info("module initialized", "module", m.id, "namespace", m.namespace())
	return nil
}

func (e *Engine) isInitialized(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized[id]
}

func (e *Engine) lookup(from, id string) (any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized[id] {
		return nil, NewUninitializedDependencyError(from, id)
	}
	return e.exports[id], nil
}

func (e *Engine) newState(ctx context.Context, namespace, field string, tier Tier, initial value.Value) (*State, error) {
	key := namespace + "/" + field
	if !validName(field) {
		return nil, newInvalidRegistrationError(key, "invalid state field %q", field)
	}
	if !tier.Valid() {
		return nil, newInvalidRegistrationError(key, "invalid tier %d for state %q", int(tier), key)
	}

	e.mu.RLock()
	_, exists := e.states[key]
	e.mu.RUnlock()
	if exists {
		return nil, NewDuplicateRegistrationError("state", key)
	}

	st := &State{
		key:     key,
		tier:    tier,
		eng:     e,
		clock:   NewClock(),
		current: value.Clone(initial),
	}
	switch {
	case tier == TierServerOnly && e.Role() == transport.RoleClient:
		st.current = value.Null{}
	case tier.Replicated() && e.Role() == transport.RoleServer:
		st.epoch = e.epoch
	}

	if sk := st.storageKey(); sk != "" {
		stored, ok, err := e.kv.Get(ctx, sk)
		if err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", key, err)
		}
		if ok {
			st.current = stored
			e.logger.Debug("state hydrated", "key", key, "tier", tier)
		}
	}

	if tier.Replicated() {
		var err error
		if e.Role() == transport.RoleServer {
			err = e.registerMethod(setMethod(key), e.redirectHandler(st))
		} else {
			err = e.bridge.RegisterUngated(setMethod(key), e.deltaHandler(st))
			err = e.methodError(setMethod(key), err)
		}
		if err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.states[key] = st
	e.mu.Unlock()
	return st, nil
}

func (e *Engine) newAction(namespace, name string, side Side, h ActionHandler, opts ...ActionOption) (*Action, error) {
	full := namespace + "/" + name
	if !validName(name) {
		return nil, newInvalidRegistrationError(full, "invalid action name %q", name)
	}
	if !side.Valid() {
		return nil, newInvalidRegistrationError(full, "invalid side %d for action %q", int(side), full)
	}

	var cfg actionConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	runsHere := side.runsOn(e.Role())
	if runsHere && h == nil {
		return nil, newInvalidRegistrationError(full, "action %q runs on %s but has no handler", full, e.Role())
	}

	a := &Action{
		name:    full,
		side:    side,
		eng:     e,
		handler: wrap(h, cfg.middleware),
		local:   wrap(cfg.local, cfg.middleware),
	}

	e.mu.Lock()
	if _, exists := e.actions[full]; exists {
		e.mu.Unlock()
		return nil, NewDuplicateRegistrationError("action", full)
	}
	e.actions[full] = a
	e.mu.Unlock()

	if runsHere && side != SideEither {
		if err := e.registerMethod(actionMethod(full), a.serve); err != nil {
			e.mu.Lock()
			delete(e.actions, full)
			e.mu.Unlock()
			return nil, err
		}
	}
	return a, nil
}

// redirectHandler serves a client's write to st on the server.
func (e *Engine) redirectHandler(st *State) transport.Handler {
	return func(ctx context.Context, params value.Object) (value.Value, error) {
		v, ok := params["value"]
		if !ok {
			return nil, transport.NewRemoteError(transport.CodeBadRequest, "missing value")
		}
		if err := st.Set(ctx, v); err != nil {
			return nil, err
		}
		return value.Null{}, nil
	}
}

// deltaHandler queues a server broadcast for the delivery loop.
func (e *Engine) deltaHandler(st *State) transport.Handler {
	return func(_ context.Context, params value.Object) (value.Value, error) {
		v, seq, epoch, err := parseDelta(params)
		if err != nil {
			return nil, transport.NewRemoteError(transport.CodeBadRequest, err.Error())
		}
		e.queue.Enqueue(event{typ: eventDelta, state: st, value: v, seq: seq, epoch: epoch})
		return value.Null{}, nil
	}
}

func (e *Engine) registerMethod(method string, h transport.Handler) error {
	return e.methodError(method, e.bridge.Register(method, h))
}

func (e *Engine) methodError(method string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rpc.ErrDuplicateMethod):
		return NewDuplicateRegistrationError("method", method)
	case errors.Is(err, rpc.ErrSealed):
		return newInvalidRegistrationError(method, "method %q registered after initialization", method)
	default:
		return err
	}
}

// barrier returns once every event queued before it has been processed.
func (e *Engine) barrier(ctx context.Context) error {
	done := make(chan struct{})
	if !e.queue.Enqueue(event{typ: eventBarrier, done: done}) {
		return ErrNotReady
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the delivery loop. It exits once the queue is closed and drained.
func (e *Engine) run() {
	defer close(e.loopDone)
	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.process(ev)
			continue
		}
		if _, open := <-e.queue.Wait(); !open && e.queue.Len() == 0 {
			return
		}
	}
}

func (e *Engine) process(ev event) {
	switch ev.typ {
	case eventDelta:
		ev.state.applyRemote(ev.value, ev.seq, ev.epoch)
	case eventBarrier:
		close(ev.done)
	default:
		e.logger.Error("unknown event type", "type", ev.typ)
	}
}
