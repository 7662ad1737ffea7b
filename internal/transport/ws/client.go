package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithHeader adds headers to the dial request.
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) { c.header = h }
}

// WithClientCallTimeout bounds each call. Expiry surfaces as
// transport.ErrTimeout.
func WithClientCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithDialTimeout bounds how long Initialize keeps retrying the first dial.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithBackoff sets the retry intervals for dialing and reconnecting.
func WithBackoff(initial, max time.Duration) ClientOption {
	return func(c *Client) {
		c.initialInterval = initial
		c.maxInterval = max
	}
}

// WithoutReconnect disables automatic reconnection after a drop.
func WithoutReconnect() ClientOption {
	return func(c *Client) { c.reconnect = false }
}

// Client is the client-role transport.
type Client struct {
	url             string
	header          http.Header
	dialer          websocket.Dialer
	router          *transport.Router
	logger          *slog.Logger
	callTimeout     time.Duration
	dialTimeout     time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	reconnect       bool
	nextID          atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *conn
	onReconnect []func(context.Context)
	closed      bool
}

var _ transport.Transport = (*Client)(nil)
var _ transport.Reconnector = (*Client)(nil)

// NewClient creates a client for the ws:// or wss:// url. Nothing is dialed
// until Initialize.
func NewClient(url string, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:             url,
		dialer:          websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		router:          transport.NewRouter(),
		logger:          slog.Default(),
		callTimeout:     defaultCallTimeout,
		dialTimeout:     10 * time.Second,
		initialInterval: 100 * time.Millisecond,
		maxInterval:     5 * time.Second,
		reconnect:       true,
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Role returns transport.RoleClient.
func (c *Client) Role() transport.Role { return transport.RoleClient }

// Register installs a handler for messages pushed by the server.
func (c *Client) Register(method string, h transport.Handler) {
	c.router.Register(method, h)
}

// OnReconnect registers fn to run after every successful reconnect.
func (c *Client) OnReconnect(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Initialize dials the server, retrying with backoff until the dial
// timeout. It reports connected=false when the server stays unreachable.
func (c *Client) Initialize(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, &transport.Error{Op: "connect", Err: transport.ErrClosed}
	}
	if c.conn != nil && !c.conn.closed() {
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	wsConn, err := c.dial(ctx, c.dialTimeout)
	if err != nil {
		c.logger.Warn("server unreachable", "url", c.url, "error", err)
		return false, nil
	}
	c.attach(wsConn)
	return true, nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.closed()
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	return b
}

// dial retries until success, ctx ends or maxElapsed passes. maxElapsed
// of zero retries until ctx ends.
func (c *Client) dial(ctx context.Context, maxElapsed time.Duration) (*websocket.Conn, error) {
	opts := []backoff.RetryOption{backoff.WithBackOff(c.newBackoff())}
	if maxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(maxElapsed))
	}
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		wsConn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			c.logger.Debug("dial failed", "url", c.url, "error", err)
			return nil, err
		}
		return wsConn, nil
	}, opts...)
}

func (c *Client) attach(wsConn *websocket.Conn) {
	cn := newConn(wsConn, defaultSendBuffer)
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()

	go cn.writeLoop()
	go func() {
		cn.readLoop(
			func(m transport.Message) { go cn.reply(c.router.Serve(c.ctx, m)) },
			func(m transport.Message) {
				if _, err := c.router.Dispatch(c.ctx, m.Method, m.Params); err != nil {
					c.logger.Debug("notification handler failed", "method", m.Method, "error", err)
				}
			},
			func(err error) { c.logger.Warn("dropping bad frame", "error", err) },
		)
		c.dropped(cn)
	}()
}

// dropped runs when a connection's reader exits.
func (c *Client) dropped(cn *conn) {
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed || !c.reconnect {
		return
	}
	c.logger.Info("connection lost, reconnecting", "url", c.url)

	wsConn, err := c.dial(c.ctx, 0)
	if err != nil {
		c.logger.Debug("reconnect abandoned", "error", err)
		return
	}
	c.attach(wsConn)
	c.logger.Info("reconnected", "url", c.url)

	c.mu.Lock()
	hooks := append([]func(context.Context){}, c.onReconnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(c.ctx)
	}
}

// Call sends a request to the server and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params value.Object) (value.Value, error) {
	c.mu.Lock()
	cn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return nil, &transport.Error{Op: "call", Method: method, Err: transport.ErrClosed}
	}
	if cn == nil || cn.closed() {
		return nil, &transport.Error{Op: "call", Method: method, Err: transport.ErrNotConnected}
	}
	return cn.call(ctx, c.nextID.Add(1), method, params, c.callTimeout)
}

// Broadcast is not available to clients.
func (c *Client) Broadcast(_ context.Context, method string, _ value.Object) error {
	return &transport.Error{Op: "broadcast", Method: method, Err: transport.ErrClientBroadcast}
}

// Close drops the connection and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if cn != nil {
		cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		cn.close()
	}
	return nil
}
