package demo

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/twin/internal/engine"
	"github.com/roach88/twin/internal/splitter"
	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/transport/pipe"
	"github.com/roach88/twin/internal/value"
)

func start(t *testing.T, tr transport.Transport, kv store.KV) *engine.Engine {
	t.Helper()
	reg := engine.NewRegistry()
	require.NoError(t, Register(reg))
	e := engine.New(reg, tr, kv, engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.Initialize(context.Background()))
	return e
}

func export[T any](t *testing.T, e *engine.Engine, id string) T {
	t.Helper()
	v, ok := e.Module(id)
	require.True(t, ok, id)
	out, ok := v.(T)
	require.True(t, ok, "%s exports %T", id, v)
	return out
}

func TestDemo_CounterAcrossClients(t *testing.T) {
	hub := pipe.NewHub()
	start(t, hub.Server(), nil)
	a := start(t, hub.Client(), nil)
	b := start(t, hub.Client(), nil)
	ctx := context.Background()

	counterA := export[*Counter](t, a, CounterModule)
	got, err := counterA.Increment.Invoke(ctx, value.Obj(value.P("by", value.Int(3))))
	require.NoError(t, err)
	assert.Equal(t, value.Int(3), got)
	assert.Equal(t, value.Int(3), counterA.Count.Get())

	counterB := export[*Counter](t, b, CounterModule)
	require.Eventually(t, func() bool {
		return value.Equal(value.Int(3), counterB.Count.Get())
	}, 2*time.Second, time.Millisecond)

	_, err = counterB.Increment.Invoke(ctx, value.Obj(value.P("by", value.String("x"))))
	var he *engine.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "by must be an int, got string", he.Message)

	_, err = counterB.Reset.Invoke(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, value.Int(0), counterB.Count.Get())
}

func TestDemo_SecretsStayOnServer(t *testing.T) {
	hub := pipe.NewHub()
	server := start(t, hub.Server(), nil)
	client := start(t, hub.Client(), nil)
	ctx := context.Background()

	require.NoError(t, export[*Secrets](t, server, SecretsModule).Config.Set(ctx,
		value.Obj(value.P("apiKey", value.String("abc")))))

	sec := export[*Secrets](t, client, SecretsModule)
	got, err := sec.Reveal.Invoke(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, value.Obj(value.P("apiKey", value.String("abc"))), got)
	assert.Equal(t, value.Null{}, sec.Config.Get())

	_, err = sec.Rotate.Invoke(ctx, value.Obj(value.P("apiKey", value.String("def"))))
	require.NoError(t, err)
	got, err = sec.Reveal.Invoke(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, value.String("def"), got.(value.Object)["apiKey"])
	assert.Equal(t, value.Null{}, sec.Config.Get())

	_, err = sec.Rotate.Invoke(ctx, nil)
	assert.True(t, engine.IsHandlerError(err))
}

func TestDemo_ScorePersistsAndCountsRounds(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "demo.db")
	hub := pipe.NewHub()
	ctx := context.Background()

	kv, err := store.Open(dbPath)
	require.NoError(t, err)
	server := start(t, hub.Server(), kv)
	client := start(t, hub.Client(), nil)

	game := export[*Game](t, client, GameModule)
	got, err := game.Win.Invoke(ctx, value.Obj(value.P("player", value.String("X"))))
	require.NoError(t, err)
	want := value.Obj(value.P("X", value.Int(1)), value.P("O", value.Int(0)))
	assert.Equal(t, want, got)
	assert.Equal(t, want, game.Score.Get())
	assert.Equal(t, value.Int(1), export[*Counter](t, client, CounterModule).Count.Get())

	_, err = game.Win.Invoke(ctx, value.Obj(value.P("player", value.String("Z"))))
	assert.ErrorContains(t, err, `unknown player "Z"`)

	require.NoError(t, server.Close())
	require.NoError(t, kv.Close())

	kv2, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { kv2.Close() })
	restarted := start(t, hub.Server(), kv2)
	assert.Equal(t, want, export[*Game](t, restarted, GameModule).Score.Get())
	// Shared state is not durable.
	assert.Equal(t, value.Int(0), export[*Counter](t, restarted, CounterModule).Count.Get())
}

func TestDemo_PreferencesArePerClient(t *testing.T) {
	hub := pipe.NewHub()
	server := start(t, hub.Server(), nil)
	a := start(t, hub.Client(), nil)
	b := start(t, hub.Client(), nil)
	ctx := context.Background()

	prefsA := export[*Prefs](t, a, PrefsModule)
	got, err := prefsA.ToggleTheme.Invoke(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, value.String("dark"), got)
	assert.Equal(t, value.String("dark"), prefsA.Theme.Get())

	assert.Equal(t, value.String("light"), export[*Prefs](t, b, PrefsModule).Theme.Get())
	assert.Equal(t, value.String("light"), export[*Prefs](t, server, PrefsModule).Theme.Get())

	// The server reaches a client's preference only through that client.
	got, err = export[*Prefs](t, server, PrefsModule).ToggleTheme.Invoke(
		transport.WithPeer(ctx, a.Session().ID), nil)
	require.NoError(t, err)
	assert.Equal(t, value.String("light"), got)
	assert.Equal(t, value.String("light"), prefsA.Theme.Get())
}

func TestDemo_Routes(t *testing.T) {
	reg := engine.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{CounterModule, SecretsModule, GameModule, PrefsModule}, reg.Modules())
	assert.Len(t, reg.Routes(), 3)
	assert.Error(t, Register(reg), "second registration collides")
}

func TestDemo_SplitContract(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not on PATH")
	}
	if testing.Short() {
		t.Skip("loads the module twice")
	}
	wd, err := os.Getwd()
	require.NoError(t, err)

	report, err := splitter.Check(context.Background(), splitter.Config{
		Dir:      wd,
		Patterns: []string{"."},
	})
	require.NoError(t, err)
	assert.NoError(t, report.Err())
	assert.Len(t, report.Registrations, 12)
}
