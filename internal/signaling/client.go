package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/slidecast/slidecast/internal/config"
	"github.com/slidecast/slidecast/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("signaling channel closed")

	// ErrDisconnected fails pending calls when the transport drops; the
	// channel itself keeps reconnecting in the background.
	ErrDisconnected = errors.New("signaling channel disconnected")
)

// State describes the transport-level condition of the channel. Managers
// watch state transitions to drive their resume logic.
type State int

const (
	StateConnected State = iota
	StateReconnecting
)

// Channel is the signaling transport the connection managers are written
// against. Client is the production implementation; tests substitute fakes.
type Channel interface {
	// Call sends a request and waits for the relay's result. A failed
	// result comes back as a protocol sentinel error.
	Call(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)

	// Send queues a fire-and-forget message.
	Send(msg *protocol.Message)

	// Incoming delivers server-pushed messages (create-peer, signal).
	Incoming() <-chan *protocol.Message

	// States delivers transport state transitions.
	States() <-chan State

	Close()
}

// Client manages the websocket connection to the relay, transparently
// reconnecting with bounded backoff when the transport drops. Requests are
// correlated with results by message id, standing in for acknowledgement
// callbacks.
type Client struct {
	cfg config.SignalConfig

	ctx    context.Context
	cancel context.CancelFunc

	outgoing chan *protocol.Message
	incoming chan *protocol.Message
	states   chan State

	mu      sync.Mutex
	pending map[uint64]chan *protocol.Message
	nextID  uint64
	closed  bool
}

var _ Channel = (*Client)(nil)

// Dial connects to the relay, retrying with the configured backoff until
// the context is cancelled. The returned client keeps itself connected
// until Close.
func Dial(ctx context.Context, cfg config.SignalConfig) (*Client, error) {
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		ctx:      cctx,
		cancel:   cancel,
		outgoing: make(chan *protocol.Message, 32),
		incoming: make(chan *protocol.Message, 32),
		states:   make(chan State, 8),
		pending:  make(map[uint64]chan *protocol.Message),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	go c.supervise(conn)
	return c, nil
}

// dialer routes hostname resolution through lookupHost, so a relay behind
// broken local DNS is still reachable via the public resolver fallback.
var dialer = &websocket.Dialer{
	Proxy:            websocket.DefaultDialer.Proxy,
	HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
	NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ip, err := lookupHost(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
	},
}

// dial attempts the websocket connection under the backoff policy.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	var conn *websocket.Conn
	operation := func() error {
		var err error
		conn, _, err = dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			slog.Debug("relay dial failed", "url", c.cfg.URL, "error", err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

// supervise owns the connection lifecycle: it runs the pumps for the
// current connection and redials whenever it drops, until Close.
func (c *Client) supervise(conn *websocket.Conn) {
	for {
		c.runConn(conn)

		if c.isClosed() {
			return
		}

		// The transport dropped underneath us. Outstanding calls cannot
		// complete; the caller decides whether to retry after resume.
		c.failPending()
		c.notify(StateReconnecting)

		next, err := c.dial(c.ctx)
		if err != nil {
			return
		}
		conn = next
		c.notify(StateConnected)
	}
}

// runConn drives one websocket connection until it dies.
func (c *Client) runConn(conn *websocket.Conn) {
	connDone := make(chan struct{})
	go c.writePump(conn, connDone)

	c.readPump(conn)

	close(connDone)
	conn.Close()
}

// readPump reads messages and routes results to their pending calls and
// everything else to the incoming channel.
func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.Type == protocol.TypeResult && msg.ID != 0 {
			c.resolve(&msg)
			continue
		}

		select {
		case c.incoming <- &msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump writes queued messages and sends periodic pings.
func (c *Client) writePump(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-connDone:
			return

		case <-c.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			conn.Close()
			return
		}
	}
}

// Call implements Channel.
func (c *Client) Call(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	msg.ID = c.nextID
	ch := make(chan *protocol.Message, 1)
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.enqueue(msg); err != nil {
		c.abandon(msg.ID)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if resp.Code != "" {
			return nil, protocol.ErrorForCode(resp.Code)
		}
		return resp, nil

	case <-ctx.Done():
		c.abandon(msg.ID)
		return nil, ctx.Err()

	case <-c.ctx.Done():
		c.abandon(msg.ID)
		return nil, ErrClosed
	}
}

// enqueue queues a request for the write pump. Unlike Send it reports a
// full buffer instead of dropping, so a Call never waits on a reply whose
// request was never sent. The buffer only backs up while the transport is
// down, so the caller learns the same thing a failed round trip would have
// told it.
func (c *Client) enqueue(msg *protocol.Message) error {
	select {
	case c.outgoing <- msg:
		return nil
	default:
		return ErrDisconnected
	}
}

// Send implements Channel. Messages queued while the transport is down are
// flushed after reconnection; the buffer drops on overflow rather than
// blocking the caller.
func (c *Client) Send(msg *protocol.Message) {
	select {
	case c.outgoing <- msg:
	default:
		slog.Warn("outgoing signaling buffer full, dropping message", "type", msg.Type)
	}
}

// Incoming implements Channel.
func (c *Client) Incoming() <-chan *protocol.Message {
	return c.incoming
}

// States implements Channel.
func (c *Client) States() <-chan State {
	return c.states
}

// Close implements Channel. It stops the reconnect loop and tears the
// connection down.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.failPending()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) resolve(msg *protocol.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if ok {
		ch <- msg
	}
}

func (c *Client) abandon(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending closes every outstanding call channel so callers observe
// ErrDisconnected instead of hanging across a reconnect.
func (c *Client) failPending() {
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) notify(state State) {
	select {
	case c.states <- state:
	default:
		slog.Warn("state notification dropped", "state", state)
	}
}
