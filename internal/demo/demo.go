// Package demo is a small twin application: a shared counter, a
// server-only secret, a persistent scoreboard and per-client preferences.
//
// Server action bodies live in server.go, which the client build
// excludes; client.go declares the same actions without handlers.
package demo

import (
	"context"
	"fmt"

	"github.com/roach88/twin/internal/engine"
	"github.com/roach88/twin/internal/value"
)

// Module ids.
const (
	CounterModule = "counter"
	SecretsModule = "secrets"
	GameModule    = "game"
	PrefsModule   = "prefs"
)

// Counter is the counter module's export.
type Counter struct {
	Count     *engine.State
	Increment *engine.Action
	Reset     *engine.Action
}

// Secrets is the secrets module's export.
type Secrets struct {
	Config *engine.State
	Reveal *engine.Action
	Rotate *engine.Action
}

// Game is the game module's export.
type Game struct {
	Score *engine.State
	Win   *engine.Action
	Reset *engine.Action
}

// Prefs is the prefs module's export.
type Prefs struct {
	Theme       *engine.State
	ToggleTheme *engine.Action
}

// Register adds the demo modules to reg.
func Register(reg *engine.Registry) error {
	modules := []struct {
		id   string
		cfg  engine.ModuleConfig
		init engine.InitFunc
	}{
		{CounterModule, engine.ModuleConfig{Routes: []engine.Route{{Path: "/", Name: "counter"}}}, initCounter},
		{SecretsModule, engine.ModuleConfig{}, initSecrets},
		{GameModule, engine.ModuleConfig{
			DependsOn: []string{CounterModule},
			Routes:    []engine.Route{{Path: "/game", Name: "scoreboard"}},
		}, initGame},
		{PrefsModule, engine.ModuleConfig{Routes: []engine.Route{{Path: "/settings", Name: "preferences"}}}, initPrefs},
	}
	for _, m := range modules {
		if err := reg.Register(m.id, m.cfg, m.init); err != nil {
			return fmt.Errorf("register %s: %w", m.id, err)
		}
	}
	return nil
}

func initCounter(_ context.Context, s *engine.Scope) (any, error) {
	c := &Counter{}
	var err error
	if c.Count, err = s.Shared("count", value.Int(0)); err != nil {
		return nil, err
	}
	if err := counterActions(s, c); err != nil {
		return nil, err
	}
	return c, nil
}

func initSecrets(_ context.Context, s *engine.Scope) (any, error) {
	sec := &Secrets{}
	var err error
	if sec.Config, err = s.ServerOnly("config", value.Obj(value.P("apiKey", value.String("")))); err != nil {
		return nil, err
	}
	if err := secretActions(s, sec); err != nil {
		return nil, err
	}
	return sec, nil
}

// EmptyScore is the scoreboard before any round.
func EmptyScore() value.Object {
	return value.Obj(value.P("X", value.Int(0)), value.P("O", value.Int(0)))
}

func initGame(_ context.Context, s *engine.Scope) (any, error) {
	counter, err := engine.Lookup[*Counter](s, CounterModule)
	if err != nil {
		return nil, err
	}
	g := &Game{}
	if g.Score, err = s.Persistent("score", EmptyScore()); err != nil {
		return nil, err
	}
	if err := gameActions(s, g, counter); err != nil {
		return nil, err
	}
	return g, nil
}

func initPrefs(_ context.Context, s *engine.Scope) (any, error) {
	p := &Prefs{}
	var err error
	if p.Theme, err = s.Local("theme", value.String("light")); err != nil {
		return nil, err
	}
	p.ToggleTheme, err = s.ClientAction("toggleTheme", func(ctx context.Context, _ value.Object) (value.Value, error) {
		var next value.Value
		err := p.Theme.Update(ctx, func(v value.Value) value.Value {
			if theme, _ := v.(value.String); theme == "dark" {
				next = value.String("light")
			} else {
				next = value.String("dark")
			}
			return next
		})
		return next, err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
