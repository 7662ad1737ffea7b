package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// namePattern restricts module ids, namespaces, state fields and action
// names so that "state:<namespace>/<field>:set" parses unambiguously.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func validName(s string) bool {
	return namePattern.MatchString(s)
}

// InitFunc initializes a module. It creates the module's states and actions
// through s and returns the module's public value, which later modules can
// fetch with Scope.Lookup.
type InitFunc func(ctx context.Context, s *Scope) (any, error)

// Route is UI routing metadata carried for the rendering layer.
type Route struct {
	Path string
	Name string
}

// ModuleRoute is a route together with the module that declared it.
type ModuleRoute struct {
	Module string
	Route
}

// ModuleConfig declares a module's namespace, dependencies and routes.
type ModuleConfig struct {
	// Namespace prefixes the module's state keys and action names.
	// Defaults to the module id. Two modules sharing a namespace share the
	// key space and collide on equal field names.
	Namespace string

	// DependsOn lists modules that must finish initializing first.
	DependsOn []string

	Routes []Route
}

type module struct {
	id   string
	cfg  ModuleConfig
	init InitFunc
}

func (m *module) namespace() string {
	if m.cfg.Namespace != "" {
		return m.cfg.Namespace
	}
	return m.id
}

// Registry holds modules in registration order. It is an explicit object
// handed to engine.New, so any number of engines can share or avoid
// sharing one. A registry is read-only once an engine initializes from it.
type Registry struct {
	mu      sync.Mutex
	modules []*module
	byID    map[string]*module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*module)}
}

// Register queues a module. Duplicate ids fail immediately.
func (r *Registry) Register(id string, cfg ModuleConfig, init InitFunc) error {
	if !validName(id) {
		return newInvalidRegistrationError(id, "invalid module id %q", id)
	}
	if cfg.Namespace != "" && !validName(cfg.Namespace) {
		return newInvalidRegistrationError(id, "invalid namespace %q for module %q", cfg.Namespace, id)
	}
	if init == nil {
		return newInvalidRegistrationError(id, "module %q has no init function", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		return NewDuplicateRegistrationError("module", id)
	}
	m := &module{id: id, cfg: cfg, init: init}
	r.modules = append(r.modules, m)
	r.byID[id] = m
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(id string, cfg ModuleConfig, init InitFunc) {
	if err := r.Register(id, cfg, init); err != nil {
		panic(fmt.Sprintf("register module %s: %v", id, err))
	}
}

// Modules returns module ids in registration order.
func (r *Registry) Modules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.modules))
	for i, m := range r.modules {
		ids[i] = m.id
	}
	return ids
}

// Routes returns every declared route in registration order.
func (r *Registry) Routes() []ModuleRoute {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ModuleRoute
	for _, m := range r.modules {
		for _, rt := range m.cfg.Routes {
			out = append(out, ModuleRoute{Module: m.id, Route: rt})
		}
	}
	return out
}

func (r *Registry) snapshot() []*module {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*module, len(r.modules))
	copy(out, r.modules)
	return out
}
