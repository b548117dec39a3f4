// Package presenter implements the presenter-side connection manager: it
// owns one session, admits viewers as the relay announces them, broadcasts
// local state changes to every connected viewer and survives signaling
// interruptions by resuming with the session secret.
package presenter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/slidecast/slidecast/internal/peer"
	"github.com/slidecast/slidecast/internal/protocol"
	"github.com/slidecast/slidecast/internal/signaling"
	"github.com/slidecast/slidecast/internal/state"
)

// Options configures a presenter manager.
type Options struct {
	// Token is the relay-facing session token.
	Token string

	Channel signaling.Channel
	Factory peer.Factory

	// Store is the local state being presented. Every change is cached and
	// broadcast; the cache is replayed to late joiners.
	Store *state.Store

	// Status is invoked on every user-visible state change. Optional.
	Status func(Status)

	// ReplayPacing is the delay between replayed frames to a fresh viewer.
	// Blasting the cache out immediately after negotiation is the known
	// failure mode this paces around.
	ReplayPacing time.Duration
}

type eventKind int

const (
	evPeerConnected eventKind = iota
	evPeerClosed
	evBroadcast
	evDestroy
)

type event struct {
	kind      eventKind
	clientID  string
	key       string
	data      json.RawMessage
	frameKind string
}

type peerState struct {
	conn      peer.Conn
	connected bool
}

// Manager is the presenter connection manager. All mutable state is owned
// by the run loop; external callers interact through posted events.
type Manager struct {
	token  string
	secret string

	channel signaling.Channel
	factory peer.Factory
	store   *state.Store
	status  func(Status)
	pacing  time.Duration

	events chan event
	done   chan struct{}

	// Loop-owned state.
	peers        map[string]*peerState
	replay       map[string]json.RawMessage
	viewers      int
	reconnecting bool

	unsubscribe func()
}

// Start creates the session on the relay and launches the manager. The
// replay cache is seeded with the store's current contents so viewers
// joining before the first change still see current state.
func Start(ctx context.Context, opts Options) (*Manager, error) {
	secret, err := signaling.CreateSession(ctx, opts.Channel, opts.Token)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		token:   opts.Token,
		secret:  secret,
		channel: opts.Channel,
		factory: opts.Factory,
		store:   opts.Store,
		status:  opts.Status,
		pacing:  opts.ReplayPacing,
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		peers:   make(map[string]*peerState),
		replay:  make(map[string]json.RawMessage),
	}

	for _, entry := range opts.Store.Snapshot() {
		m.replay[entry.Key] = entry.Data
	}

	m.unsubscribe = opts.Store.Subscribe(func(key string, data json.RawMessage) {
		m.post(event{kind: evBroadcast, key: key, data: data, frameKind: protocol.KindStorage})
	})

	go m.run()

	m.notifyStatus(Status{Phase: PhaseLive})
	return m, nil
}

// Token returns the session token viewers join with.
func (m *Manager) Token() string {
	return m.token
}

// SendEvent broadcasts an ad-hoc named event (pointer clicks and the like)
// to every connected viewer. Events are not cached for replay.
func (m *Manager) SendEvent(key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.post(event{kind: evBroadcast, key: key, data: raw, frameKind: protocol.KindEvent})
	return nil
}

// Destroy tears the session down: unsubscribes from state changes, closes
// the signaling channel and destroys every peer connection.
func (m *Manager) Destroy() {
	select {
	case <-m.done:
	default:
		m.post(event{kind: evDestroy})
	}
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) run() {
	defer m.teardown()

	for {
		select {
		case msg := <-m.channel.Incoming():
			m.handleMessage(msg)

		case st := <-m.channel.States():
			if m.handleChannelState(st) {
				return
			}

		case ev := <-m.events:
			if ev.kind == evDestroy {
				m.notifyStatus(Status{Phase: PhaseClosed})
				return
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCreatePeer:
		m.admitPeer(msg.ClientID)
	case protocol.TypeSignal:
		m.handleSignal(msg.ClientID, msg.Data)
	default:
		slog.Debug("presenter ignoring message", "type", msg.Type)
	}
}

// admitPeer starts an outbound negotiation for a newly joined viewer. The
// presenter side always initiates.
func (m *Manager) admitPeer(clientID string) {
	if _, ok := m.peers[clientID]; ok {
		return
	}

	conn, err := m.factory(true, peer.Handlers{
		OnSignal: func(data json.RawMessage) {
			signaling.SendSignal(m.channel, clientID, data)
		},
		OnConnect: func() {
			m.post(event{kind: evPeerConnected, clientID: clientID})
		},
		OnClose: func() {
			m.post(event{kind: evPeerClosed, clientID: clientID})
		},
	})
	if err != nil {
		slog.Error("peer negotiation failed to start", "client_id", clientID, "error", err)
		return
	}

	m.peers[clientID] = &peerState{conn: conn}
	slog.Debug("peer connecting", "client_id", clientID)
}

func (m *Manager) handleSignal(clientID string, data json.RawMessage) {
	p, ok := m.peers[clientID]
	if !ok {
		// The viewer already left; late handshake payloads are expected.
		slog.Debug("dropping signal for unknown peer", "client_id", clientID)
		return
	}
	if err := p.conn.Signal(data); err != nil {
		slog.Warn("handshake payload rejected", "client_id", clientID, "error", err)
	}
}

func (m *Manager) handleEvent(ev event) {
	switch ev.kind {
	case evPeerConnected:
		p, ok := m.peers[ev.clientID]
		if !ok || p.connected {
			return
		}
		p.connected = true
		m.viewers++
		m.notifyStatus(Status{Phase: PhaseLive, Viewers: m.viewers})
		go m.replayTo(p.conn, m.replaySnapshot())

	case evPeerClosed:
		p, ok := m.peers[ev.clientID]
		if !ok {
			return
		}
		delete(m.peers, ev.clientID)
		if p.connected {
			m.viewers--
			// Keep the reconnecting banner steady during transient network
			// loss instead of flapping per-peer updates through it.
			if !m.reconnecting {
				m.notifyStatus(Status{Phase: PhaseLive, Viewers: m.viewers})
			}
		}

	case evBroadcast:
		if ev.frameKind == protocol.KindStorage {
			m.replay[ev.key] = ev.data
		}
		m.broadcast(ev.key, ev.data, ev.frameKind)
	}
}

// broadcast sends one frame to every connected viewer. A failure for one
// viewer never aborts delivery to the others.
func (m *Manager) broadcast(key string, data json.RawMessage, kind string) {
	payload, err := protocol.EncodeRawFrame(key, data, kind)
	if err != nil {
		slog.Error("frame encoding failed", "key", key, "error", err)
		return
	}

	for clientID, p := range m.peers {
		if !p.connected {
			continue
		}
		if err := p.conn.Send(payload); err != nil {
			slog.Warn("send to viewer failed", "client_id", clientID, "error", err)
		}
	}
}

func (m *Manager) replaySnapshot() []state.Entry {
	entries := make([]state.Entry, 0, len(m.replay))
	for key, data := range m.replay {
		entries = append(entries, state.Entry{Key: key, Data: data})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// replayTo sends the cached state to a freshly connected viewer, one key
// at a time with a pause before each frame, giving the new channel room to
// settle after negotiation.
func (m *Manager) replayTo(conn peer.Conn, entries []state.Entry) {
	for _, entry := range entries {
		select {
		case <-m.done:
			return
		case <-time.After(m.pacing):
		}

		payload, err := protocol.EncodeRawFrame(entry.Key, entry.Data, protocol.KindStorage)
		if err != nil {
			slog.Error("replay frame encoding failed", "key", entry.Key, "error", err)
			continue
		}
		if err := conn.Send(payload); err != nil {
			slog.Warn("replay send failed", "key", entry.Key, "error", err)
		}
	}
}

// handleChannelState reacts to transport transitions. It reports true when
// the manager must stop because the session cannot be recovered.
func (m *Manager) handleChannelState(st signaling.State) bool {
	switch st {
	case signaling.StateReconnecting:
		m.reconnecting = true
		m.notifyStatus(Status{Phase: PhaseReconnecting, Viewers: m.viewers})

	case signaling.StateConnected:
		// The transport is back; prove ownership to pick the session up.
		err := signaling.ResumeSession(context.Background(), m.channel, m.token, m.secret)
		switch {
		case err == nil:
			m.reconnecting = false
			m.notifyStatus(Status{Phase: PhaseLive, Viewers: m.viewers})

		case protocol.IsTerminal(err):
			// Without a matching secret there is no way to prove ownership;
			// the session is dead.
			slog.Error("session resume rejected", "token", m.token, "error", err)
			m.notifyStatus(Status{Phase: PhaseLost, Viewers: m.viewers})
			return true

		default:
			// The transport dropped again mid-resume; the next reconnect
			// will retry.
			slog.Warn("session resume interrupted", "error", err)
		}
	}
	return false
}

func (m *Manager) teardown() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}

	m.unsubscribe()
	m.channel.Close()

	for clientID, p := range m.peers {
		if err := p.conn.Close(); err != nil {
			slog.Debug("peer close failed", "client_id", clientID, "error", err)
		}
	}
	m.peers = make(map[string]*peerState)
}

func (m *Manager) notifyStatus(s Status) {
	if m.status != nil {
		m.status(s)
	}
}
