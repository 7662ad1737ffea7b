package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

// Scope is the API a module's InitFunc receives. Every state key and
// action name it creates is prefixed with the module's namespace.
//
// Registration errors are returned and also recorded, so Initialize fails
// even if an init function ignores them.
type Scope struct {
	ctx    context.Context
	eng    *Engine
	module *module
	errs   []error
}

// ModuleID returns the id of the module being initialized.
func (s *Scope) ModuleID() string { return s.module.id }

// Namespace returns the prefix applied to keys and action names.
func (s *Scope) Namespace() string { return s.module.namespace() }

// Role returns this process's role.
func (s *Scope) Role() transport.Role { return s.eng.Role() }

// Session returns this process's session.
func (s *Scope) Session() Session { return s.eng.Session() }

// Logger returns the engine logger tagged with the module id.
func (s *Scope) Logger() *slog.Logger {
	return s.eng.logger.With("module", s.module.id)
}

// Key returns the namespaced key for field.
func (s *Scope) Key(field string) string {
	return s.Namespace() + "/" + field
}

// Shared creates a state replicated to every process.
func (s *Scope) Shared(field string, initial value.Value) (*State, error) {
	return s.State(field, TierShared, initial)
}

// ServerOnly creates a state that exists only on the server. On a client
// the returned supervisor holds Null and rejects writes.
func (s *Scope) ServerOnly(field string, initial value.Value) (*State, error) {
	return s.State(field, TierServerOnly, initial)
}

// Persistent creates a Shared state that the server stores durably and
// hydrates on restart.
func (s *Scope) Persistent(field string, initial value.Value) (*State, error) {
	return s.State(field, TierPersistent, initial)
}

// Local creates a UserAgentLocal state, kept in the client's own store.
func (s *Scope) Local(field string, initial value.Value) (*State, error) {
	return s.State(field, TierUserAgentLocal, initial)
}

// State creates a state supervisor of any tier.
func (s *Scope) State(field string, tier Tier, initial value.Value) (*State, error) {
	st, err := s.eng.newState(s.ctx, s.Namespace(), field, tier, initial)
	return st, s.record(err)
}

// Action registers an action. A nil handler is accepted only when the
// action does not execute on this process's role, which is how a client
// build declares a server action whose body was compiled out.
func (s *Scope) Action(name string, side Side, h ActionHandler, opts ...ActionOption) (*Action, error) {
	a, err := s.eng.newAction(s.Namespace(), name, side, h, opts...)
	return a, s.record(err)
}

// ServerAction registers an action executed on the server.
func (s *Scope) ServerAction(name string, h ActionHandler, opts ...ActionOption) (*Action, error) {
	return s.Action(name, SideServer, h, opts...)
}

// ClientAction registers an action executed on a client.
func (s *Scope) ClientAction(name string, h ActionHandler, opts ...ActionOption) (*Action, error) {
	return s.Action(name, SideClient, h, opts...)
}

// EitherAction registers an action executed wherever it is invoked.
func (s *Scope) EitherAction(name string, h ActionHandler, opts ...ActionOption) (*Action, error) {
	return s.Action(name, SideEither, h, opts...)
}

// Lookup returns the value another module's init returned. It fails with
// an UNINITIALIZED_DEPENDENCY error when that module has not finished.
func (s *Scope) Lookup(moduleID string) (any, error) {
	v, err := s.eng.lookup(s.module.id, moduleID)
	return v, s.record(err)
}

// Lookup is Scope.Lookup with the result asserted to T.
func Lookup[T any](s *Scope, moduleID string) (T, error) {
	var zero T
	v, err := s.Lookup(moduleID)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, s.record(fmt.Errorf("module %q exports %T, not %T", moduleID, v, zero))
	}
	return t, nil
}

func (s *Scope) record(err error) error {
	if err == nil {
		return nil
	}
	var re *RuntimeError
	if errors.As(err, &re) && re.Module == "" {
		re.Module = s.module.id
	}
	s.errs = append(s.errs, err)
	return err
}

func (s *Scope) err() error {
	return errors.Join(s.errs...)
}
