// Package viewer implements the viewer-side connection manager: it joins a
// session, negotiates one peer connection to the presenter, applies the
// received state and events locally, and rejoins when the peer connection
// is lost.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/slidecast/slidecast/internal/peer"
	"github.com/slidecast/slidecast/internal/protocol"
	"github.com/slidecast/slidecast/internal/signaling"
	"github.com/slidecast/slidecast/internal/state"
)

// ErrRetriesExhausted ends the join loop when the presenter never came
// back within the retry budget.
var ErrRetriesExhausted = errors.New("presenter did not become reachable")

// Options configures a viewer manager.
type Options struct {
	// Token is the relay-facing session token to join.
	Token string

	Channel signaling.Channel
	Factory peer.Factory

	// Store receives every "localstorage" frame; its own change
	// notification doubles as the local storage-changed event.
	Store *state.Store

	// Status is invoked on every user-visible state change. Optional.
	Status func(Status)

	// RetryDelay and RetryMax bound the join retry loop used when the
	// presenter is mid-reconnect.
	RetryDelay time.Duration
	RetryMax   int
}

type eventKind int

const (
	evPeerConnected eventKind = iota
	evPeerClosed
	evData
	evDestroy
)

type event struct {
	kind    eventKind
	payload []byte
}

// Manager is the viewer connection manager. Loop-owned fields are only
// touched by the run goroutine; the subscriber table has its own lock
// because subscriptions arrive from the application.
type Manager struct {
	token   string
	channel signaling.Channel
	factory peer.Factory
	store   *state.Store
	status  func(Status)

	retryDelay time.Duration
	retryMax   int

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
	failed    chan error

	// Loop-owned state.
	conn      peer.Conn
	clientID  string
	connected bool

	subMu   sync.Mutex
	subs    map[string]map[int]func(json.RawMessage)
	allSubs map[int]func(string, json.RawMessage)
	nextSub int
}

// Start joins the session and blocks until the peer connection to the
// presenter is up, a terminal rejection arrives, or the context ends.
func Start(ctx context.Context, opts Options) (*Manager, error) {
	mctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		token:      opts.Token,
		channel:    opts.Channel,
		factory:    opts.Factory,
		store:      opts.Store,
		status:     opts.Status,
		retryDelay: opts.RetryDelay,
		retryMax:   opts.RetryMax,
		ctx:        mctx,
		cancel:     cancel,
		events:     make(chan event, 64),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		failed:     make(chan error, 1),
		subs:       make(map[string]map[int]func(json.RawMessage)),
		allSubs:    make(map[int]func(string, json.RawMessage)),
	}

	m.notifyStatus(Status{Phase: PhaseConnecting})
	go m.run()

	select {
	case <-m.ready:
		return m, nil
	case err := <-m.failed:
		return nil, err
	case <-ctx.Done():
		m.Destroy()
		return nil, ctx.Err()
	}
}

// Subscribe registers a callback for ad-hoc events with the given key and
// returns its unsubscribe function.
func (m *Manager) Subscribe(key string, fn func(data json.RawMessage)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.subs[key] == nil {
		m.subs[key] = make(map[int]func(json.RawMessage))
	}
	m.subs[key][id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs[key], id)
		m.subMu.Unlock()
	}
}

// SubscribeAll registers a callback for every ad-hoc event regardless of
// key.
func (m *Manager) SubscribeAll(fn func(key string, data json.RawMessage)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.allSubs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.allSubs, id)
		m.subMu.Unlock()
	}
}

// Destroy closes the signaling channel and destroys the peer connection.
// Cancelling the manager context first interrupts a join retry loop in
// flight, so teardown never waits out the retry budget.
func (m *Manager) Destroy() {
	m.cancel()
	select {
	case <-m.done:
	default:
		select {
		case m.events <- event{kind: evDestroy}:
		case <-m.done:
		}
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

	if !m.establish() {
		return
	}

	for {
		select {
		case msg := <-m.channel.Incoming():
			m.handleMessage(msg)

		case <-m.channel.States():
			// The signaling transport reconnects on its own; the peer
			// connection is independent of it once negotiated, so there is
			// nothing to do until the peer itself drops.

		case ev := <-m.events:
			switch ev.kind {
			case evPeerConnected:
				m.connected = true
				m.notifyStatus(Status{Phase: PhaseConnected})
				m.readyOnce.Do(func() { close(m.ready) })

			case evPeerClosed:
				m.notifyStatus(Status{Phase: PhaseReconnecting})
				m.discardPeer()
				// The presenter may be mid-reconnect; obtain a fresh
				// create-peer from whoever owns the session now.
				if !m.establish() {
					return
				}

			case evData:
				m.dispatch(ev.payload)

			case evDestroy:
				m.notifyStatus(Status{Phase: PhaseDisconnected})
				return
			}
		}
	}
}

// establish allocates a fresh responder peer and joins the session,
// retrying transient rejections with a fixed delay. It reports false when
// the manager must stop.
func (m *Manager) establish() bool {
	conn, err := m.factory(false, peer.Handlers{
		OnSignal: func(data json.RawMessage) {
			signaling.SendSignal(m.channel, "", data)
		},
		OnConnect: func() {
			m.post(event{kind: evPeerConnected})
		},
		OnClose: func() {
			m.post(event{kind: evPeerClosed})
		},
		OnData: func(payload []byte) {
			m.post(event{kind: evData, payload: payload})
		},
	})
	if err != nil {
		m.fail(err)
		return false
	}
	m.conn = conn
	m.connected = false

	for attempt := 1; ; attempt++ {
		clientID, err := signaling.JoinSession(m.ctx, m.channel, m.token)
		if err == nil {
			m.clientID = clientID
			slog.Debug("joined session", "client_id", clientID)
			return true
		}

		if !retryable(err) {
			m.fail(err)
			return false
		}
		if attempt >= m.retryMax {
			m.fail(ErrRetriesExhausted)
			return false
		}

		slog.Debug("join rejected, retrying", "attempt", attempt, "error", err)
		select {
		case <-m.done:
			return false
		case <-m.ctx.Done():
			m.fail(m.ctx.Err())
			return false
		case <-time.After(m.retryDelay):
		}
	}
}

// retryable covers both the protocol's transient rejection and transport
// drops mid-call; only a genuine rejection of the token is final.
func retryable(err error) bool {
	return protocol.IsRetryable(err) || errors.Is(err, signaling.ErrDisconnected)
}

func (m *Manager) handleMessage(msg *protocol.Message) {
	if msg.Type != protocol.TypeSignal || m.conn == nil {
		return
	}
	if err := m.conn.Signal(msg.Data); err != nil {
		slog.Warn("handshake payload rejected", "error", err)
	}
}

// dispatch routes one inbound frame. Malformed payloads are logged and
// dropped; they must never take the connection down.
func (m *Manager) dispatch(payload []byte) {
	frame, err := protocol.ParseFrame(payload)
	if err != nil {
		slog.Warn("dropping malformed frame", "error", err)
		return
	}

	switch frame.Kind {
	case protocol.KindStorage:
		m.store.Set(frame.Key, frame.Data)

	case protocol.KindEvent:
		m.subMu.Lock()
		keyed := make([]func(json.RawMessage), 0, len(m.subs[frame.Key]))
		for _, fn := range m.subs[frame.Key] {
			keyed = append(keyed, fn)
		}
		all := make([]func(string, json.RawMessage), 0, len(m.allSubs))
		for _, fn := range m.allSubs {
			all = append(all, fn)
		}
		m.subMu.Unlock()

		for _, fn := range keyed {
			fn(frame.Data)
		}
		for _, fn := range all {
			fn(frame.Key, frame.Data)
		}
	}
}

func (m *Manager) discardPeer() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected = false
}

func (m *Manager) fail(err error) {
	slog.Error("viewer session failed", "token", m.token, "error", err)
	m.notifyStatus(Status{Phase: PhaseDisconnected})
	select {
	case m.failed <- err:
	default:
	}
}

func (m *Manager) teardown() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}

	m.cancel()
	m.channel.Close()
	m.discardPeer()
}

func (m *Manager) notifyStatus(s Status) {
	if m.status != nil {
		m.status(s)
	}
}
