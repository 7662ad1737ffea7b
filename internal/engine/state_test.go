package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

func singleState(t *testing.T, tier Tier, initial value.Value) func(*Registry) {
	t.Helper()
	return func(reg *Registry) {
		require.NoError(t, reg.Register("m", ModuleConfig{}, func(_ context.Context, s *Scope) (any, error) {
			return s.State("v", tier, initial)
		}))
	}
}

func TestState_SetGetRoundTrip(t *testing.T) {
	reg := NewRegistry()
	singleState(t, TierShared, value.Null{})(reg)
	e := startEngine(t, reg, transport.NewLoopback(transport.RoleServer), nil)
	st := mustState(t, e, "m/v")
	ctx := context.Background()

	want := value.Obj(
		value.P("name", value.String("caf\u00e9")),
		value.P("tags", value.Arr(value.String("a"), value.Bool(true))),
	)
	require.NoError(t, st.Set(ctx, want))
	assert.Equal(t, want, st.Get())
	assert.Equal(t, st.Get(), st.Get())
	assert.Equal(t, int64(1), st.Version())

	// Get hands out copies.
	got := st.Get().(value.Object)
	got["name"] = value.String("changed")
	assert.Equal(t, want, st.Get())

	// As does Set: the caller's value is not retained.
	want["name"] = value.String("mutated")
	assert.Equal(t, value.String("caf\u00e9"), st.Get().(value.Object)["name"])

	require.NoError(t, st.Set(ctx, nil))
	assert.Equal(t, value.Null{}, st.Get())
}

func TestState_Update(t *testing.T) {
	reg := NewRegistry()
	registerCounter(t, reg)
	tp := newTopology(t, reg)
	client := tp.client()
	ctx := context.Background()

	bump := func(v value.Value) value.Value { return v.(value.Int) + 10 }
	require.NoError(t, mustState(t, client, "counter/count").Update(ctx, bump))
	require.NoError(t, mustState(t, tp.server, "counter/count").Update(ctx, bump))

	assert.Equal(t, value.Int(20), mustState(t, tp.server, "counter/count").Get())
	require.Eventually(t, func() bool {
		return value.Equal(value.Int(20), mustState(t, client, "counter/count").Get())
	}, waitFor, time.Millisecond)
}

func TestState_ClientSetReturnsAfterOwnWriteApplied(t *testing.T) {
	reg := NewRegistry()
	registerCounter(t, reg)
	tp := newTopology(t, reg)
	client := tp.client()

	st := mustState(t, client, "counter/count")
	for i := 1; i <= 10; i++ {
		require.NoError(t, st.Set(context.Background(), value.Int(i)))
		assert.Equal(t, value.Int(i), st.Get())
	}
	assert.False(t, st.Authoritative())
	assert.True(t, mustState(t, tp.server, "counter/count").Authoritative())
}

func TestState_PersistentStoredUnderStatePrefix(t *testing.T) {
	reg := NewRegistry()
	singleState(t, TierPersistent, value.Int(0))(reg)
	kv := store.NewMemory()
	e := startEngine(t, reg, transport.NewLoopback(transport.RoleServer), kv)

	require.NoError(t, mustState(t, e, "m/v").Set(context.Background(), value.Int(7)))

	got, ok, err := kv.Get(context.Background(), store.PrefixState+"m/v")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value.Int(7), got)
}

func TestState_SharedIsNotStored(t *testing.T) {
	reg := NewRegistry()
	singleState(t, TierShared, value.Int(0))(reg)
	kv := store.NewMemory()
	e := startEngine(t, reg, transport.NewLoopback(transport.RoleServer), kv)

	require.NoError(t, mustState(t, e, "m/v").Set(context.Background(), value.Int(7)))

	all, err := kv.GetAll(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, all, store.PrefixState+"m/v")
}

func TestState_UserAgentLocalStaysOnClient(t *testing.T) {
	reg := NewRegistry()
	singleState(t, TierUserAgentLocal, value.String("light"))(reg)
	tp := newTopology(t, reg)
	ctx := context.Background()

	clientKV := store.NewMemory()
	first := startEngine(t, reg, tp.hub.Client(), clientKV)
	pref := mustState(t, first, "m/v")
	assert.True(t, pref.Authoritative())
	require.NoError(t, pref.Set(ctx, value.String("dark")))

	// No other process sees it.
	assert.Equal(t, value.String("light"), mustState(t, tp.server, "m/v").Get())
	other := tp.client()
	assert.Equal(t, value.String("light"), mustState(t, other, "m/v").Get())

	// The same client store hydrates it after a restart.
	stored, ok, err := clientKV.Get(ctx, store.PrefixLocal+"m/v")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value.String("dark"), stored)

	require.NoError(t, first.Close())
	again := startEngine(t, reg, tp.hub.Client(), clientKV)
	assert.Equal(t, value.String("dark"), mustState(t, again, "m/v").Get())

	// No wire method exists for it.
	_, err = again.bridge.Call(ctx, setMethod("m/v"), value.Obj(value.P("value", value.Null{})))
	var re *transport.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, transport.CodeMethodNotFound, re.Code)
}

func TestState_UserAgentLocalOnServerIsMemoryOnly(t *testing.T) {
	reg := NewRegistry()
	singleState(t, TierUserAgentLocal, value.Int(0))(reg)
	kv := store.NewMemory()
	e := startEngine(t, reg, transport.NewLoopback(transport.RoleServer), kv)

	require.NoError(t, mustState(t, e, "m/v").Set(context.Background(), value.Int(3)))
	assert.Equal(t, value.Int(3), mustState(t, e, "m/v").Get())

	_, ok, err := kv.Get(context.Background(), store.PrefixLocal+"m/v")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestState_ServerOnlyUpdateOnClient(t *testing.T) {
	reg := NewRegistry()
	singleState(t, TierServerOnly, value.Int(1))(reg)
	tp := newTopology(t, reg)
	client := tp.client()

	err := mustState(t, client, "m/v").Update(context.Background(), func(v value.Value) value.Value { return v })
	assert.ErrorIs(t, err, ErrNotAuthoritative)
	assert.Equal(t, value.Int(1), mustState(t, tp.server, "m/v").Get())
}

func TestState_StaleDeltasAreDropped(t *testing.T) {
	reg := NewRegistry()
	registerCounter(t, reg)
	tp := newTopology(t, reg)
	client := tp.client()
	st := mustState(t, client, "counter/count")
	epoch := tp.server.epoch

	st.applyRemote(value.Int(5), 3, epoch)
	assert.Equal(t, value.Int(5), st.Get())

	// Older and equal seqs from the same server are ignored.
	st.applyRemote(value.Int(4), 2, epoch)
	st.applyRemote(value.Int(6), 3, epoch)
	assert.Equal(t, value.Int(5), st.Get())

	// A restarted server starts a new epoch and its seqs restart.
	st.applyRemote(value.Int(9), 1, "restarted")
	assert.Equal(t, value.Int(9), st.Get())
	assert.Equal(t, int64(1), st.Version())
}

func TestState_ResyncReplacesReplica(t *testing.T) {
	reg := NewRegistry()
	registerCounter(t, reg)
	tp := newTopology(t, reg)
	client := tp.client()
	require.NoError(t, mustState(t, tp.server, "counter/count").Set(context.Background(), value.Int(42)))

	st := mustState(t, client, "counter/count")
	st.applyRemote(value.Int(-1), 100, "elsewhere")
	require.NoError(t, client.Resync(context.Background()))
	assert.Equal(t, value.Int(42), st.Get())

	// No-op on the server.
	assert.NoError(t, tp.server.Resync(context.Background()))
}

func TestState_LateClientReceivesSnapshot(t *testing.T) {
	reg := NewRegistry()
	registerCounter(t, reg)
	tp := newTopology(t, reg)
	require.NoError(t, mustState(t, tp.server, "counter/count").Set(context.Background(), value.Int(8)))

	client := tp.client()
	assert.Equal(t, value.Int(8), mustState(t, client, "counter/count").Get())
	assert.Equal(t, int64(1), mustState(t, client, "counter/count").Version())
}

func TestState_SubscribeCancel(t *testing.T) {
	reg := NewRegistry()
	singleState(t, TierShared, value.Int(0))(reg)
	e := startEngine(t, reg, transport.NewLoopback(transport.RoleServer), nil)
	st := mustState(t, e, "m/v")
	ctx := context.Background()

	var mu sync.Mutex
	var got []value.Value
	cancel := st.Subscribe(func(v value.Value) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	})

	require.NoError(t, st.Set(ctx, value.Int(1)))
	require.NoError(t, st.Set(ctx, value.Int(2)))
	cancel()
	require.NoError(t, st.Set(ctx, value.Int(3)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []value.Value{value.Int(1), value.Int(2)}, got)
}

func TestState_WatchClosesWithContext(t *testing.T) {
	reg := NewRegistry()
	singleState(t, TierShared, value.Int(0))(reg)
	e := startEngine(t, reg, transport.NewLoopback(transport.RoleServer), nil)
	st := mustState(t, e, "m/v")

	ctx, cancel := context.WithCancel(context.Background())
	ch := st.Watch(ctx)
	assert.Equal(t, value.Int(0), <-ch)

	// Writes queue up while nobody reads.
	for i := 1; i <= 3; i++ {
		require.NoError(t, st.Set(context.Background(), value.Int(i)))
	}
	for i := 1; i <= 3; i++ {
		assert.Equal(t, value.Int(i), <-ch)
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, waitFor, time.Millisecond)
}

func TestState_InvalidRegistrations(t *testing.T) {
	tests := []struct {
		name string
		init InitFunc
	}{
		{"bad field", func(_ context.Context, s *Scope) (any, error) {
			return s.Shared("has space", value.Null{})
		}},
		{"bad tier", func(_ context.Context, s *Scope) (any, error) {
			return s.State("v", Tier(99), value.Null{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register("m", ModuleConfig{}, tt.init))
			e := New(reg, transport.NewLoopback(transport.RoleServer), nil, WithLogger(testLogger()))
			defer e.Close()
			assert.True(t, IsInvalidRegistration(e.Initialize(context.Background())))
		})
	}
}

func TestTier_ParseAndString(t *testing.T) {
	for _, tier := range []Tier{TierShared, TierServerOnly, TierPersistent, TierUserAgentLocal} {
		parsed, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, parsed)
		assert.True(t, tier.Valid())
	}
	_, err := ParseTier("global")
	assert.Error(t, err)
	assert.False(t, Tier(0).Valid())
	assert.Equal(t, "tier(0)", Tier(0).String())

	assert.True(t, TierShared.Replicated())
	assert.True(t, TierPersistent.Replicated())
	assert.False(t, TierServerOnly.Replicated())
	assert.False(t, TierUserAgentLocal.Replicated())
}
