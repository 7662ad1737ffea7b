package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/roach88/twin/internal/metrics"
	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerMetrics records connection and rate limit metrics.
func WithServerMetrics(m *metrics.Collector) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit caps inbound requests per connection. r <= 0 disables
// the limit.
func WithRateLimit(r rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.limit = r
		s.burst = burst
	}
}

// WithCallTimeout bounds server-to-client calls.
func WithCallTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.callTimeout = d }
}

// WithCheckOrigin replaces the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// Server is the server-role transport. Mount it as an http.Handler.
type Server struct {
	upgrader    websocket.Upgrader
	router      *transport.Router
	logger      *slog.Logger
	metrics     *metrics.Collector
	limit       rate.Limit
	burst       int
	callTimeout time.Duration
	nextID      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

var _ transport.Transport = (*Server)(nil)
var _ http.Handler = (*Server)(nil)

// NewServer creates a server transport.
func NewServer(opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		router:      transport.NewRouter(),
		logger:      slog.Default(),
		callTimeout: defaultCallTimeout,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Role returns transport.RoleServer.
func (s *Server) Role() transport.Role { return transport.RoleServer }

// Initialize is a no-op; the server is reachable once mounted.
func (s *Server) Initialize(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, &transport.Error{Op: "connect", Err: transport.ErrClosed}
	}
	return true, nil
}

// Register installs a handler for inbound messages.
func (s *Server) Register(method string, h transport.Handler) {
	s.router.Register(method, h)
}

// ServeHTTP upgrades the request and serves the connection until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(wsConn, defaultSendBuffer)
	if s.limit > 0 {
		c.limiter = rate.NewLimiter(s.limit, s.burst)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	s.logger.Debug("client connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop(
		func(m transport.Message) { s.handleRequest(c, m) },
		func(m transport.Message) { s.handleNotification(c, m) },
		func(err error) { s.logger.Warn("dropping bad frame", "remote", r.RemoteAddr, "error", err) },
	)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.metrics.ConnectionClosed()
	s.logger.Debug("client disconnected", "remote", r.RemoteAddr, "session", c.Session())
}

func (s *Server) handleRequest(c *conn, m transport.Message) {
	session := transport.SessionOf(m.Params)
	c.bindSession(session)

	if c.limiter != nil && !c.limiter.Allow() {
		s.metrics.RateLimited()
		c.reply(transport.Response(m.ID, nil, transport.NewRemoteError(transport.CodeRateLimited, "rate limit exceeded")))
		return
	}

	go func() {
		c.reply(s.router.Serve(transport.WithPeer(s.ctx, session), m))
	}()
}

func (s *Server) handleNotification(c *conn, m transport.Message) {
	session := transport.SessionOf(m.Params)
	c.bindSession(session)
	if _, err := s.router.Dispatch(transport.WithPeer(s.ctx, session), m.Method, m.Params); err != nil {
		s.logger.Debug("notification handler failed", "method", m.Method, "error", err)
	}
}

// Call invokes a method on the client named by transport.WithPeer.
func (s *Server) Call(ctx context.Context, method string, params value.Object) (value.Value, error) {
	target, ok := transport.PeerFrom(ctx)
	if !ok {
		return nil, &transport.Error{Op: "call", Method: method, Err: transport.ErrNoPeer}
	}
	c := s.connFor(target)
	if c == nil {
		return nil, &transport.Error{Op: "call", Method: method, Err: fmt.Errorf("%w: %s", transport.ErrNoPeer, target)}
	}
	return c.call(ctx, s.nextID.Add(1), method, params, s.callTimeout)
}

func (s *Server) connFor(session string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if !c.closed() && c.Session() == session {
			return c
		}
	}
	return nil
}

// Broadcast queues a notification on every open connection. Connections
// that cannot keep up are dropped; they resync on reconnect.
func (s *Server) Broadcast(_ context.Context, method string, params value.Object) error {
	frame, err := transport.Encode(transport.Notification(method, params))
	if err != nil {
		return &transport.Error{Op: "broadcast", Method: method, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &transport.Error{Op: "broadcast", Method: method, Err: transport.ErrClosed}
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.enqueue(frame) {
			s.logger.Debug("broadcast dropped", "method", method, "session", c.Session())
		}
	}
	return nil
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every connection and rejects new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		c.close()
	}
	return nil
}
