package pipe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

// Hub owns one server endpoint and the clients attached to it.
type Hub struct {
	mu      sync.Mutex
	server  *Endpoint
	clients map[*Endpoint]struct{}
	nextID  atomic.Uint64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Endpoint]struct{}),
		logger:  slog.Default(),
	}
}

// Server returns the live server endpoint, creating one if there is none
// or the previous one was closed. A new server keeps the attached clients,
// which models a server restart.
func (h *Hub) Server() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil || h.server.isClosed() {
		h.server = newEndpoint(h, transport.RoleServer)
	}
	return h.server
}

// Client creates a new, not yet connected client endpoint.
func (h *Hub) Client() *Endpoint {
	return newEndpoint(h, transport.RoleClient)
}

func (h *Hub) liveServer() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil || h.server.isClosed() {
		return nil
	}
	return h.server
}

func (h *Hub) attach(c *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) detach(c *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) connectedClients() []*Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Endpoint, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) clientBySession(session string) *Endpoint {
	for _, c := range h.connectedClients() {
		if c.Session() == session {
			return c
		}
	}
	return nil
}

// Endpoint is one side of a pipe connection. It implements
// transport.Transport.
type Endpoint struct {
	hub    *Hub
	role   transport.Role
	router *transport.Router
	inbox  *inbox

	mu      sync.Mutex
	session string
	closed  bool
}

var _ transport.Transport = (*Endpoint)(nil)

func newEndpoint(h *Hub, role transport.Role) *Endpoint {
	e := &Endpoint{hub: h, role: role, router: transport.NewRouter()}
	e.inbox = newInbox(e.deliver)
	return e
}

// Role returns the endpoint's role.
func (e *Endpoint) Role() transport.Role { return e.role }

// Session returns the session id last seen on an outbound client message.
func (e *Endpoint) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Initialize attaches a client to the hub. It reports connected=false
// when no server is live. A server is always reachable by itself.
func (e *Endpoint) Initialize(context.Context) (bool, error) {
	if e.isClosed() {
		return false, &transport.Error{Op: "connect", Err: transport.ErrClosed}
	}
	if e.role == transport.RoleServer {
		return true, nil
	}
	if e.hub.liveServer() == nil {
		return false, nil
	}
	e.hub.attach(e)
	return true, nil
}

// Register installs a handler for inbound calls and notifications.
func (e *Endpoint) Register(method string, h transport.Handler) {
	e.router.Register(method, h)
}

// Call sends a request to the peer and waits for the response.
// Clients call the live server; the server calls the client named by
// transport.WithPeer.
func (e *Endpoint) Call(ctx context.Context, method string, params value.Object) (value.Value, error) {
	if e.isClosed() {
		return nil, &transport.Error{Op: "call", Method: method, Err: transport.ErrClosed}
	}

	var peer *Endpoint
	if e.role == transport.RoleClient {
		if s := transport.SessionOf(params); s != "" {
			e.mu.Lock()
			e.session = s
			e.mu.Unlock()
		}
		peer = e.hub.liveServer()
		if peer == nil {
			return nil, &transport.Error{Op: "call", Method: method, Err: transport.ErrNotConnected}
		}
	} else {
		target, ok := transport.PeerFrom(ctx)
		if !ok {
			return nil, &transport.Error{Op: "call", Method: method, Err: transport.ErrNoPeer}
		}
		peer = e.hub.clientBySession(target)
		if peer == nil {
			return nil, &transport.Error{Op: "call", Method: method, Err: fmt.Errorf("%w: %s", transport.ErrNoPeer, target)}
		}
	}

	frame, err := transport.Encode(transport.Request(e.hub.nextID.Add(1), method, params))
	if err != nil {
		return nil, &transport.Error{Op: "call", Method: method, Err: err}
	}

	done := make(chan []byte, 1)
	go func() {
		done <- peer.serve(ctx, e, frame)
	}()

	var reply []byte
	select {
	case reply = <-done:
	case <-ctx.Done():
		return nil, &transport.Error{Op: "call", Method: method, Err: ctx.Err()}
	}

	resp, err := transport.Decode(reply)
	if err != nil {
		return nil, &transport.Error{Op: "call", Method: method, Err: err}
	}

	// Deltas broadcast while the peer handled the call are visible on return.
	e.inbox.flush()

	if err := resp.Err(method); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Broadcast pushes a notification to every attached client. Only the
// server may broadcast.
func (e *Endpoint) Broadcast(_ context.Context, method string, params value.Object) error {
	if e.role != transport.RoleServer {
		return &transport.Error{Op: "broadcast", Method: method, Err: transport.ErrClientBroadcast}
	}
	if e.isClosed() {
		return &transport.Error{Op: "broadcast", Method: method, Err: transport.ErrClosed}
	}
	frame, err := transport.Encode(transport.Notification(method, params))
	if err != nil {
		return &transport.Error{Op: "broadcast", Method: method, Err: err}
	}
	for _, c := range e.hub.connectedClients() {
		c.inbox.push(frame)
	}
	return nil
}

// Close detaches the endpoint. Pending inbox frames are dropped.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.inbox.close()
	if e.role == transport.RoleClient {
		e.hub.detach(e)
	}
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// serve answers one request frame from caller.
func (e *Endpoint) serve(ctx context.Context, caller *Endpoint, frame []byte) []byte {
	req, err := transport.Decode(frame)
	if err != nil {
		return mustEncode(transport.Response(0, nil, transport.NewRemoteError(transport.CodeBadRequest, err.Error())))
	}
	if e.isClosed() {
		return mustEncode(transport.Response(req.ID, nil, transport.NewRemoteError(transport.CodeNotReady, transport.ErrClosed.Error())))
	}

	peer := transport.SessionOf(req.Params)
	if caller.role == transport.RoleServer {
		peer = ""
	}
	resp := e.router.Serve(transport.WithPeer(ctx, peer), req)

	out, err := transport.Encode(resp)
	if err != nil {
		return mustEncode(transport.Response(req.ID, nil, err))
	}
	return out
}

// deliver hands one notification frame to its handler.
func (e *Endpoint) deliver(frame []byte) {
	msg, err := transport.Decode(frame)
	if err != nil {
		e.hub.logger.Warn("pipe: dropping undecodable frame", "role", e.role, "error", err)
		return
	}
	if _, err := e.router.Dispatch(context.Background(), msg.Method, msg.Params); err != nil {
		e.hub.logger.Debug("pipe: notification handler failed", "role", e.role, "method", msg.Method, "error", err)
	}
}

func mustEncode(m transport.Message) []byte {
	out, err := transport.Encode(m)
	if err != nil {
		panic(fmt.Sprintf("pipe: encode response: %v", err))
	}
	return out
}
