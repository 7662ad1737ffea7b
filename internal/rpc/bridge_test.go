package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/transport/pipe"
	"github.com/roach88/twin/internal/value"
)

func pipePair(t *testing.T) (server, client *Bridge) {
	t.Helper()
	hub := pipe.NewHub()
	st, ct := hub.Server(), hub.Client()
	t.Cleanup(func() {
		ct.Close()
		st.Close()
	})
	_, err := st.Initialize(context.Background())
	require.NoError(t, err)
	ok, err := ct.Initialize(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return New(st), New(ct)
}

func TestBridge_RegisterRejectsDuplicates(t *testing.T) {
	b := New(transport.NewLoopback(transport.RoleServer))
	h := func(context.Context, value.Object) (value.Value, error) { return nil, nil }

	require.NoError(t, b.Register("action:a", h))
	err := b.Register("action:a", h)
	assert.ErrorIs(t, err, ErrDuplicateMethod)

	b.Seal()
	err = b.Register("action:b", h)
	assert.ErrorIs(t, err, ErrSealed)
	assert.ElementsMatch(t, []string{"action:a"}, b.Methods())
}

func TestBridge_SessionMergedAndStripped(t *testing.T) {
	server, client := pipePair(t)
	client.SetSession("sess-c")

	var gotParams value.Object
	var gotCaller string
	require.NoError(t, server.Register("action:inspect", func(ctx context.Context, params value.Object) (value.Value, error) {
		gotParams = params
		gotCaller = CallerSession(ctx)
		return value.Bool(true), nil
	}))
	server.SetReady(true)

	args := value.Obj(value.P("x", value.Int(1)))
	_, err := client.Call(context.Background(), "action:inspect", args)
	require.NoError(t, err)

	assert.Equal(t, "sess-c", gotCaller)
	assert.Equal(t, value.Obj(value.P("x", value.Int(1))), gotParams)
	// The caller's params are not mutated.
	assert.NotContains(t, args, transport.SessionParam)
}

func TestBridge_GatesUntilReady(t *testing.T) {
	server, client := pipePair(t)
	h := func(context.Context, value.Object) (value.Value, error) { return value.Int(1), nil }
	require.NoError(t, server.Register("action:x", h))
	require.NoError(t, server.Register("$session:handshake", h))

	_, err := client.Call(context.Background(), "action:x", nil)
	var re *transport.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, transport.CodeNotReady, re.Code)

	// System methods are served before ready.
	_, err = client.Call(context.Background(), "$session:handshake", nil)
	require.NoError(t, err)

	server.SetReady(true)
	got, err := client.Call(context.Background(), "action:x", nil)
	require.NoError(t, err)
	assert.Equal(t, value.Int(1), got)
}

func TestBridge_Broadcast(t *testing.T) {
	server, client := pipePair(t)
	server.SetSession("sess-s")
	client.SetReady(true)

	type delivery struct {
		params value.Object
		caller string
	}
	got := make(chan delivery, 1)
	require.NoError(t, client.Register("state:a/b:set", func(ctx context.Context, params value.Object) (value.Value, error) {
		got <- delivery{params: params, caller: CallerSession(ctx)}
		return nil, nil
	}))

	params := value.Obj(value.P("value", value.String("v")))
	require.NoError(t, server.Broadcast(context.Background(), "state:a/b:set", params))

	d := <-got
	assert.Equal(t, "sess-s", d.caller)
	assert.Equal(t, value.Obj(value.P("value", value.String("v"))), d.params)
	assert.NotContains(t, params, transport.SessionParam)
}

func TestIsSystem(t *testing.T) {
	assert.True(t, IsSystem("$state:snapshot"))
	assert.False(t, IsSystem("action:x"))
}

func TestBridge_RegisterUngated(t *testing.T) {
	server, client := pipePair(t)

	got := make(chan value.Value, 1)
	require.NoError(t, client.RegisterUngated("state:a/b:set", func(_ context.Context, params value.Object) (value.Value, error) {
		got <- params.Get("value")
		return nil, nil
	}))
	assert.ErrorIs(t, client.RegisterUngated("state:a/b:set", nil), ErrDuplicateMethod)

	// The client is not ready, but ungated methods are still served.
	require.NoError(t, server.Broadcast(context.Background(), "state:a/b:set", value.Obj(value.P("value", value.Int(3)))))
	assert.Equal(t, value.Int(3), <-got)
}
