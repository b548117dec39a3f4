package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slidecast/slidecast/internal/protocol"
)

// Hub is the central brain of the relay. It owns the session registry and
// the viewer registrations, and it is the only goroutine that ever touches
// them, so the registry needs no locking.
type Hub struct {
	registry *Registry

	// clients maps client ids to registered viewer connections.
	clients map[string]*Client

	// Register announces new connections.
	Register chan *Client

	// Unregister announces closed connections.
	Unregister chan *Client

	// Inbound carries parsed messages from connection read pumps.
	Inbound chan *envelope
}

// NewHub creates a hub around the given registry.
func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry:   registry,
		clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *envelope, 64),
	}
}

// Run processes hub events until the context is cancelled. This is the
// single goroutine that safely manages all relay state.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.registry.Shutdown()
			return

		case client := <-h.Register:
			// The connection is anonymous until its first call; nothing to
			// track yet.
			slog.Debug("connection opened")
			_ = client

		case client := <-h.Unregister:
			h.handleDisconnect(client)

		case env := <-h.Inbound:
			h.handleMessage(env.client, env.msg)

		case token := <-h.registry.Expirations():
			h.registry.Expire(token)
		}
	}
}

func (h *Hub) handleMessage(c *Client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCreateSession:
		h.handleCreateSession(c, msg)
	case protocol.TypeResumeSession:
		h.handleResumeSession(c, msg)
	case protocol.TypeJoinSession:
		h.handleJoinSession(c, msg)
	case protocol.TypeSignal:
		h.handleSignal(c, msg)
	default:
		slog.Debug("unknown message type", "type", msg.Type)
	}
}

func (h *Hub) handleCreateSession(c *Client, msg *protocol.Message) {
	session, err := h.registry.Create(msg.Token, c)
	if err != nil {
		c.deliver(protocol.Failure(msg, protocol.CodeTokenUnavailable, false))
		return
	}

	c.role = rolePresenter
	c.token = session.Token
	slog.Info("session created", "token", session.Token)

	reply := protocol.Result(msg)
	reply.Secret = session.Secret
	c.deliver(reply)
}

func (h *Hub) handleResumeSession(c *Client, msg *protocol.Message) {
	session, err := h.registry.Resume(msg.Token, msg.Secret, c)
	if err != nil {
		code := protocol.CodeUnknownToken
		if errors.Is(err, protocol.ErrAuthMismatch) {
			code = protocol.CodeAuthMismatch
		}
		c.deliver(protocol.Failure(msg, code, false))
		return
	}

	c.role = rolePresenter
	c.token = session.Token
	slog.Info("session resumed", "token", session.Token)

	c.deliver(protocol.Result(msg))
}

func (h *Hub) handleJoinSession(c *Client, msg *protocol.Message) {
	session, ok := h.registry.Lookup(msg.Token)
	if !ok {
		c.deliver(protocol.Failure(msg, protocol.CodeUnknownToken, false))
		return
	}
	if h.registry.GarbagePending(msg.Token) {
		// The presenter is between disconnect and resume or expiry; the
		// viewer should try again shortly.
		c.deliver(protocol.Failure(msg, protocol.CodePresenterUnreachable, true))
		return
	}

	clientID := fmt.Sprintf("%s-%d", session.Token, session.NextOrdinal())
	h.clients[clientID] = c
	c.role = roleViewer
	c.token = session.Token
	c.clientID = clientID
	slog.Info("session joined", "client_id", clientID)

	// Ask the presenter to start negotiating a peer connection.
	session.Owner.deliver(&protocol.Message{
		Type:     protocol.TypeCreatePeer,
		ClientID: clientID,
	})

	reply := protocol.Result(msg)
	reply.ClientID = clientID
	c.deliver(reply)
}

// handleSignal relays a handshake payload. Signals addressed to a client
// that has since disconnected are dropped silently: handshake messages
// racing a viewer's departure are expected and not an error.
func (h *Hub) handleSignal(c *Client, msg *protocol.Message) {
	switch c.role {
	case rolePresenter:
		target, ok := h.clients[msg.ClientID]
		if !ok || target.token != c.token {
			slog.Debug("dropping signal for unknown client", "client_id", msg.ClientID)
			return
		}
		target.deliver(&protocol.Message{
			Type: protocol.TypeSignal,
			Data: msg.Data,
		})

	case roleViewer:
		session, ok := h.registry.Lookup(c.token)
		if !ok {
			slog.Debug("dropping signal for expired session", "token", c.token)
			return
		}
		session.Owner.deliver(&protocol.Message{
			Type:     protocol.TypeSignal,
			ClientID: c.clientID,
			Data:     msg.Data,
		})

	default:
		slog.Debug("dropping signal from anonymous connection")
	}
}

func (h *Hub) handleDisconnect(c *Client) {
	switch c.role {
	case rolePresenter:
		// The session survives a presenter disconnect so a transient blip
		// does not destroy established viewer connections. Deletion waits
		// for the garbage timer. A connection replaced by a resume takeover
		// no longer owns its session and is ignored here.
		if session, ok := h.registry.Lookup(c.token); ok && session.Owner == c {
			slog.Info("session paused", "token", c.token)
			h.registry.ScheduleGarbage(c.token)
		}

	case roleViewer:
		// The presenter is not notified; it learns of the loss through its
		// own peer connection closing.
		if h.clients[c.clientID] == c {
			delete(h.clients, c.clientID)
			slog.Info("client left", "client_id", c.clientID)
		}
	}

	c.closed = true
	close(c.Send)
}
