package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

const (
	originLocal  = "local"
	originRemote = "remote"
)

// setMethod is the wire method for writes to key, in both directions: the
// server broadcasts it as a delta and clients call it to redirect a write.
func setMethod(key string) string {
	return "state:" + key + ":set"
}

type subscriber struct {
	id uint64
	fn func(value.Value)
}

// State supervises one state key in one engine.
//
// Writes are serialized by writeMu. On the authoritative side a write is
// applied, handed to subscribers and broadcast inside one critical section,
// so every subscriber and every connected peer sees writes in apply order.
// Subscribers run on the writing goroutine (for replicas, the delivery
// loop) and must neither write the same key nor wait on a remote call;
// use Watch to react asynchronously.
type State struct {
	key   string
	tier  Tier
	eng   *Engine
	clock *Clock

	writeMu sync.Mutex

	mu      sync.RWMutex
	current value.Value
	version int64
	epoch   string
	subs    []subscriber
	nextSub uint64
}

// Key returns the namespaced state key.
func (s *State) Key() string { return s.key }

// Tier returns the replication tier.
func (s *State) Tier() Tier { return s.tier }

// Get returns a copy of the last applied value. It never waits on the
// network; on a replica the value may be stale.
func (s *State) Get() value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return value.Clone(s.current)
}

// Version returns the seq of the last applied write; 0 before any write.
func (s *State) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Authoritative reports whether this process applies writes to the key.
func (s *State) Authoritative() bool {
	if s.tier == TierUserAgentLocal {
		return true
	}
	return s.eng.Role() == transport.RoleServer
}

// Set writes v. On the authoritative side it is applied before Set returns.
// On a client, Shared and Persistent writes are sent to the server and
// Set returns once the server's broadcast has been applied locally.
func (s *State) Set(ctx context.Context, v value.Value) error {
	if v == nil {
		v = value.Null{}
	}
	if err := value.Validate(v); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	if s.Authoritative() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.commitLocked(ctx, v)
	}
	return s.redirect(ctx, v)
}

// Update writes fn(current). On a client fn sees the local replica and its
// result is submitted like Set.
func (s *State) Update(ctx context.Context, fn func(value.Value) value.Value) error {
	if s.Authoritative() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		next := fn(s.Get())
		if next == nil {
			next = value.Null{}
		}
		if err := value.Validate(next); err != nil {
			return fmt.Errorf("update %s: %w", s.key, err)
		}
		return s.commitLocked(ctx, next)
	}
	if !s.tier.Replicated() {
		return fmt.Errorf("update %s: %w", s.key, ErrNotAuthoritative)
	}
	next := fn(s.Get())
	if err := value.Validate(next); err != nil {
		return fmt.Errorf("update %s: %w", s.key, err)
	}
	return s.redirect(ctx, next)
}

// Subscribe calls fn with every value applied after it returns, local or
// remote. cancel stops delivery.
func (s *State) Subscribe(fn func(value.Value)) (cancel func()) {
	s.mu.Lock()
	id := s.addSubscriberLocked(fn)
	s.mu.Unlock()
	return func() { s.removeSubscriber(id) }
}

// Watch streams the current value followed by every applied update until
// ctx ends. A slow reader never blocks writers; values queue up instead.
func (s *State) Watch(ctx context.Context) <-chan value.Value {
	q := newEventQueue()
	out := make(chan value.Value)

	s.mu.Lock()
	q.Enqueue(event{typ: eventValue, value: value.Clone(s.current)})
	id := s.addSubscriberLocked(func(v value.Value) {
		q.Enqueue(event{typ: eventValue, value: v})
	})
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer q.Close()
		defer s.removeSubscriber(id)

		for {
			if e, ok := q.TryDequeue(); ok {
				select {
				case out <- e.value:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-q.Wait():
			}
		}
	}()
	return out
}

func (s *State) addSubscriberLocked(fn func(value.Value)) uint64 {
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: s.nextSub, fn: fn})
	return s.nextSub
}

func (s *State) removeSubscriber(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// storageKey is the KV key backing this state in this process, or "".
func (s *State) storageKey() string {
	switch {
	case s.tier == TierPersistent && s.eng.Role() == transport.RoleServer:
		return store.PrefixState + s.key
	case s.tier == TierUserAgentLocal && s.eng.Role() == transport.RoleClient:
		return store.PrefixLocal + s.key
	default:
		return ""
	}
}

// commitLocked applies an authoritative write. Caller holds writeMu.
func (s *State) commitLocked(ctx context.Context, v value.Value) error {
	next := value.Clone(v)

	if key := s.storageKey(); key != "" {
		if err := s.eng.kv.Set(ctx, key, next); err != nil {
			return fmt.Errorf("persist %s: %w", s.key, err)
		}
	}

	seq := s.clock.Next()
	subs := s.swap(next, seq, s.epoch)
	s.notify(subs, next)
	s.eng.metrics.ObserveStateWrite(s.tier.String(), originLocal)

	if s.tier.Replicated() && s.eng.Role() == transport.RoleServer {
		if err := s.eng.bridge.Broadcast(ctx, setMethod(s.key), s.delta(next, seq, s.epoch)); err != nil {
			s.eng.logger.Warn("state broadcast failed", "key", s.key, "seq", seq, "error", err)
		}
	}

	s.eng.logger.Debug("state applied", "key", s.key, "tier", s.tier, "seq", seq)
	return nil
}

// applyRemote applies a value received from the server. Deltas from the
// same server epoch that are not newer than the replica are dropped.
func (s *State) applyRemote(v value.Value, seq int64, epoch string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	stale := epoch == s.epoch && seq <= s.version
	s.mu.RUnlock()
	if stale {
		s.eng.logger.Debug("stale delta dropped", "key", s.key, "seq", seq)
		return
	}

	next := value.Clone(v)
	subs := s.swap(next, seq, epoch)
	s.notify(subs, next)
	s.eng.metrics.ObserveStateWrite(s.tier.String(), originRemote)
}

// redirect sends a client write to the server.
func (s *State) redirect(ctx context.Context, v value.Value) error {
	if !s.tier.Replicated() {
		return fmt.Errorf("set %s: %w", s.key, ErrNotAuthoritative)
	}
	if _, err := s.eng.bridge.Call(ctx, setMethod(s.key), value.Obj(value.P("value", v))); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return s.eng.barrier(ctx)
}

func (s *State) swap(next value.Value, seq int64, epoch string) []subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = next
	s.version = seq
	s.epoch = epoch
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	return subs
}

func (s *State) notify(subs []subscriber, v value.Value) {
	for _, sub := range subs {
		sub.fn(value.Clone(v))
	}
}

func (s *State) delta(v value.Value, seq int64, epoch string) value.Object {
	return value.Obj(
		value.P("value", v),
		value.P("seq", value.Int(seq)),
		value.P("epoch", value.String(epoch)),
	)
}

// snapshot returns the delta form of the current value.
func (s *State) snapshot() value.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delta(value.Clone(s.current), s.version, s.epoch)
}

// parseDelta reads a delta or snapshot entry.
func parseDelta(params value.Object) (v value.Value, seq int64, epoch string, err error) {
	v, ok := params["value"]
	if !ok {
		return nil, 0, "", fmt.Errorf("delta missing value")
	}
	n, ok := params["seq"].(value.Int)
	if !ok {
		return nil, 0, "", fmt.Errorf("delta missing seq")
	}
	e, _ := params["epoch"].(value.String)
	return v, int64(n), string(e), nil
}
