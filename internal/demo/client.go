//go:build client

package demo

import "github.com/roach88/twin/internal/engine"

func counterActions(s *engine.Scope, c *Counter) (err error) {
	if c.Increment, err = s.ServerAction("increment", nil); err != nil {
		return err
	}
	c.Reset, err = s.ServerAction("reset", nil)
	return err
}

func secretActions(s *engine.Scope, sec *Secrets) (err error) {
	if sec.Reveal, err = s.ServerAction("reveal", nil); err != nil {
		return err
	}
	sec.Rotate, err = s.ServerAction("rotate", nil)
	return err
}

func gameActions(s *engine.Scope, g *Game, _ *Counter) (err error) {
	if g.Win, err = s.ServerAction("win", nil); err != nil {
		return err
	}
	g.Reset, err = s.ServerAction("reset", nil)
	return err
}
