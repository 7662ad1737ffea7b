package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/twin/internal/value"
)

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()
	r.Register("echo", func(_ context.Context, params value.Object) (value.Value, error) {
		return params.Get("x"), nil
	})

	assert.True(t, r.Has("echo"))
	assert.False(t, r.Has("nope"))

	got, err := r.Dispatch(context.Background(), "echo", value.Obj(value.P("x", value.Int(4))))
	require.NoError(t, err)
	assert.Equal(t, value.Int(4), got)

	// nil params reach the handler as an empty object
	got, err = r.Dispatch(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, value.Null{}, got)
}

func TestRouter_MethodNotFound(t *testing.T) {
	r := NewRouter()
	resp := r.Serve(context.Background(), Request(9, "missing", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, uint64(9), resp.ID)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestRouter_RegisterReplaces(t *testing.T) {
	r := NewRouter()
	r.Register("m", func(context.Context, value.Object) (value.Value, error) { return value.Int(1), nil })
	r.Register("m", func(context.Context, value.Object) (value.Value, error) { return value.Int(2), nil })

	resp := r.Serve(context.Background(), Request(1, "m", nil))
	assert.Equal(t, value.Int(2), resp.Result)
}
