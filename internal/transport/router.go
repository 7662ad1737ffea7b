package transport

import (
	"context"
	"sync"

	"github.com/roach88/twin/internal/value"
)

// Router maps methods to handlers for transport implementations.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register installs h for method, replacing any previous handler.
func (r *Router) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Has reports whether method has a handler.
func (r *Router) Has(method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[method]
	return ok
}

// Dispatch runs the handler for method. Unknown methods fail with a
// RemoteError coded CodeMethodNotFound.
func (r *Router) Dispatch(ctx context.Context, method string, params value.Object) (value.Value, error) {
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()

	if !ok {
		return nil, &RemoteError{Method: method, Code: CodeMethodNotFound, Message: "method not found: " + method}
	}
	if params == nil {
		params = value.Object{}
	}
	return h(ctx, params)
}

// Serve answers a decoded request envelope.
func (r *Router) Serve(ctx context.Context, m Message) Message {
	result, err := r.Dispatch(ctx, m.Method, m.Params)
	return Response(m.ID, result, err)
}
