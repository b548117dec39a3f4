package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slidecast/slidecast/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. 64 KB covers WebRTC SDP
	// payloads comfortably.
	maxMessageSize = 64 * 1024
)

// Connection roles. A signaling connection is anonymous until its first
// successful create-session, resume-session or join-session call.
const (
	roleNone      = ""
	rolePresenter = "presenter"
	roleViewer    = "viewer"
)

// Client wraps a single websocket connection to the relay.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Send is the buffered channel of outbound messages. The writePump
	// goroutine drains it; everything else only ever writes to it.
	Send chan *protocol.Message

	// role, token, clientID and closed are owned by the hub goroutine.
	role     string
	token    string
	clientID string
	closed   bool
}

// envelope carries an inbound message together with its origin connection
// through the hub's processing channel.
type envelope struct {
	msg    *protocol.Message
	client *Client
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// It runs in a per-connection goroutine and is the only reader on the
// connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}

		c.hub.Inbound <- &envelope{msg: &msg, client: c}
	}
}

// WritePump pumps messages from the hub to the websocket connection and
// keeps the connection alive with periodic pings.
//
// It runs in a per-connection goroutine and is the only writer on the
// connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				slog.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver queues a message for this connection without ever blocking the
// hub. A connection too slow to drain its buffer loses messages rather
// than stalling every session on the relay. Messages for a connection that
// already disconnected are dropped; a session in its grace window still
// references the dead owner connection.
func (c *Client) deliver(msg *protocol.Message) {
	if c.closed {
		return
	}
	select {
	case c.Send <- msg:
	default:
		slog.Warn("dropping message for slow connection", "type", msg.Type)
	}
}
