//go:build !client

package demo

import (
	"context"
	"fmt"

	"github.com/roach88/twin/internal/engine"
	"github.com/roach88/twin/internal/value"
)

func counterActions(s *engine.Scope, c *Counter) (err error) {
	c.Increment, err = s.ServerAction("increment", func(ctx context.Context, args value.Object) (value.Value, error) {
		by := value.Int(1)
		if v, ok := args["by"]; ok {
			n, isInt := v.(value.Int)
			if !isInt {
				return nil, fmt.Errorf("by must be an int, got %s", value.Kind(v))
			}
			by = n
		}
		var next value.Int
		err := c.Count.Update(ctx, func(v value.Value) value.Value {
			cur, _ := v.(value.Int)
			next = cur + by
			return next
		})
		return next, err
	})
	if err != nil {
		return err
	}
	c.Reset, err = s.ServerAction("reset", func(ctx context.Context, _ value.Object) (value.Value, error) {
		return value.Int(0), c.Count.Set(ctx, value.Int(0))
	})
	return err
}

func secretActions(s *engine.Scope, sec *Secrets) (err error) {
	sec.Reveal, err = s.ServerAction("reveal", func(context.Context, value.Object) (value.Value, error) {
		return sec.Config.Get(), nil
	})
	if err != nil {
		return err
	}
	sec.Rotate, err = s.ServerAction("rotate", func(ctx context.Context, args value.Object) (value.Value, error) {
		key, ok := args["apiKey"].(value.String)
		if !ok || key == "" {
			return nil, fmt.Errorf("apiKey must be a non-empty string")
		}
		return value.Null{}, sec.Config.Set(ctx, value.Obj(value.P("apiKey", key)))
	})
	return err
}

func gameActions(s *engine.Scope, g *Game, counter *Counter) (err error) {
	g.Win, err = s.ServerAction("win", func(ctx context.Context, args value.Object) (value.Value, error) {
		player, _ := args["player"].(value.String)
		if player != "X" && player != "O" {
			return nil, fmt.Errorf("unknown player %q", string(player))
		}
		var next value.Object
		err := g.Score.Update(ctx, func(v value.Value) value.Value {
			score, ok := v.(value.Object)
			if !ok {
				score = EmptyScore()
			}
			wins, _ := score[string(player)].(value.Int)
			score[string(player)] = wins + 1
			next = score
			return next
		})
		if err != nil {
			return nil, err
		}
		if err := counter.Count.Update(ctx, func(v value.Value) value.Value {
			n, _ := v.(value.Int)
			return n + 1
		}); err != nil {
			return nil, err
		}
		return next, nil
	})
	if err != nil {
		return err
	}
	g.Reset, err = s.ServerAction("reset", func(ctx context.Context, _ value.Object) (value.Value, error) {
		return EmptyScore(), g.Score.Set(ctx, EmptyScore())
	})
	return err
}
