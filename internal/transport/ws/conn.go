package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/roach88/twin/internal/transport"
	"github.com/roach88/twin/internal/value"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendBuffer  = 256
	defaultCallTimeout = 30 * time.Second
	maxMessageSize     = 1 << 20
)

// conn is one WebSocket connection shared by Server and Client. Outbound
// frames go through send and are written by writeLoop only.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// limiter is nil when rate limiting is off. It lives and dies with
	// the connection, whatever sessions the client names.
	limiter *rate.Limiter

	mu      sync.Mutex
	session string
	pending map[uint64]chan transport.Message
}

func newConn(ws *websocket.Conn, buffer int) *conn {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &conn{
		ws:      ws,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan transport.Message),
	}
}

func (c *conn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *conn) bindSession(s string) {
	if s == "" {
		return
	}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// enqueue hands a frame to the writer. A full buffer means the peer is not
// keeping up; the connection is dropped rather than blocking the sender.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.close()
		return false
	}
}

// close stops both loops and fails every pending call.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[uint64]chan transport.Message)
		c.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// call sends a request and waits for its response.
func (c *conn) call(ctx context.Context, id uint64, method string, params value.Object, timeout time.Duration) (value.Value, error) {
	reply := make(chan transport.Message, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := transport.Encode(transport.Request(id, method, params))
	if err != nil {
		return nil, &transport.Error{Op: "call", Method: method, Err: err}
	}
	if !c.enqueue(frame) {
		return nil, &transport.Error{Op: "call", Method: method, Err: transport.ErrNotConnected}
	}

	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, &transport.Error{Op: "call", Method: method, Err: transport.ErrNotConnected}
		}
		if err := resp.Err(method); err != nil {
			return nil, err
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, &transport.Error{Op: "call", Method: method, Err: transport.ErrTimeout}
	case <-ctx.Done():
		return nil, &transport.Error{Op: "call", Method: method, Err: ctx.Err()}
	}
}

// resolve delivers a response to its waiting caller.
func (c *conn) resolve(m transport.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[m.ID]
	if ok {
		delete(c.pending, m.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- m
	}
	return ok
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop decodes frames until the connection fails. Responses resolve
// pending calls, notifications run inline, requests run in their own
// goroutine via serve.
func (c *conn) readLoop(onRequest func(transport.Message), onNotification func(transport.Message), onBadFrame func(error)) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		m, err := transport.Decode(data)
		if err != nil {
			onBadFrame(err)
			continue
		}
		switch {
		case m.IsResponse():
			c.resolve(m)
		case m.IsNotification():
			onNotification(m)
		default:
			onRequest(m)
		}
	}
}

// reply encodes and queues a response.
func (c *conn) reply(m transport.Message) {
	frame, err := transport.Encode(m)
	if err != nil {
		frame, _ = transport.Encode(transport.Response(m.ID, nil, err))
	}
	c.enqueue(frame)
}
