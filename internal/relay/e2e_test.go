package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidecast/slidecast/internal/config"
	"github.com/slidecast/slidecast/internal/peer"
	"github.com/slidecast/slidecast/internal/presenter"
	"github.com/slidecast/slidecast/internal/protocol"
	"github.com/slidecast/slidecast/internal/relay"
	"github.com/slidecast/slidecast/internal/signaling"
	"github.com/slidecast/slidecast/internal/state"
	"github.com/slidecast/slidecast/internal/viewer"
)

// startRelay runs a full relay over httptest and returns its websocket URL.
func startRelay(t *testing.T, grace time.Duration) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	hub := relay.NewHub(relay.NewRegistry(relay.NewMemoryStore(), grace))
	go hub.Run(ctx)

	server := httptest.NewServer(relay.Handler(hub))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dialRelay(t *testing.T, url string) *signaling.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := signaling.Dial(ctx, config.SignalConfig{
		URL:            url,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// pipeNetwork links initiator and responder fakes once the responder sees
// the initiator's handshake payload, standing in for a real negotiation.
// All handshake payloads travel through the relay under test.
type pipeNetwork struct {
	mu      sync.Mutex
	nextID  atomic.Int64
	created atomic.Int64
	conns   map[string]*pipeConn
}

func newPipeNetwork() *pipeNetwork {
	return &pipeNetwork{conns: make(map[string]*pipeConn)}
}

type pipeHandshake struct {
	Pipe string `json:"pipe"`
	Ack  bool   `json:"ack,omitempty"`
}

type pipeConn struct {
	net      *pipeNetwork
	id       string
	handlers peer.Handlers

	mu        sync.Mutex
	remote    *pipeConn
	closeOnce sync.Once
}

// factory builds peer.Factory values for both sides of the pipe.
func (n *pipeNetwork) factory() peer.Factory {
	return func(initiator bool, h peer.Handlers) (peer.Conn, error) {
		n.created.Add(1)
		conn := &pipeConn{net: n, handlers: h}
		if initiator {
			conn.id = fmt.Sprintf("pipe-%d", n.nextID.Add(1))
			n.mu.Lock()
			n.conns[conn.id] = conn
			n.mu.Unlock()

			payload, _ := json.Marshal(pipeHandshake{Pipe: conn.id})
			go h.OnSignal(payload)
		}
		return conn, nil
	}
}

func (c *pipeConn) Signal(data json.RawMessage) error {
	var hs pipeHandshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return err
	}

	if hs.Ack {
		// Initiator side: the responder confirmed the link.
		go c.handlers.OnConnect()
		return nil
	}

	// Responder side: link up with the announced initiator.
	c.net.mu.Lock()
	remote, ok := c.net.conns[hs.Pipe]
	c.net.mu.Unlock()
	if !ok {
		return errors.New("unknown pipe")
	}

	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()
	remote.mu.Lock()
	remote.remote = c
	remote.mu.Unlock()

	go c.handlers.OnConnect()
	payload, _ := json.Marshal(pipeHandshake{Pipe: hs.Pipe, Ack: true})
	go c.handlers.OnSignal(payload)
	return nil
}

func (c *pipeConn) Send(payload []byte) error {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote == nil {
		return errors.New("pipe not linked")
	}
	if remote.handlers.OnData != nil {
		remote.handlers.OnData(payload)
	}
	return nil
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		remote := c.remote
		c.remote = nil
		c.mu.Unlock()

		if c.handlers.OnClose != nil {
			go c.handlers.OnClose()
		}
		if remote != nil {
			remote.mu.Lock()
			remote.remote = nil
			remote.mu.Unlock()
			if remote.handlers.OnClose != nil {
				go remote.handlers.OnClose()
			}
		}
	})
	return nil
}

// flakyProxy forwards TCP between one client and the relay so a test can
// sever that client's signaling connection without touching anyone else's.
type flakyProxy struct {
	listener net.Listener
	backend  string

	mu    sync.Mutex
	conns []net.Conn
}

func startProxy(t *testing.T, wsURL string) *flakyProxy {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &flakyProxy{
		listener: listener,
		backend:  strings.TrimSuffix(strings.TrimPrefix(wsURL, "ws://"), "/ws"),
	}
	go p.serve()
	t.Cleanup(func() { listener.Close() })
	return p
}

func (p *flakyProxy) url() string {
	return "ws://" + p.listener.Addr().String() + "/ws"
}

func (p *flakyProxy) serve() {
	for {
		client, err := p.listener.Accept()
		if err != nil {
			return
		}
		server, err := net.Dial("tcp", p.backend)
		if err != nil {
			client.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, client, server)
		p.mu.Unlock()
		go func() {
			io.Copy(server, client)
			server.Close()
		}()
		go func() {
			io.Copy(client, server)
			client.Close()
		}()
	}
}

// drop severs every connection in flight. The listener stays up, so the
// client's reconnect succeeds.
func (p *flakyProxy) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
}

func TestEndToEndBroadcast(t *testing.T) {
	url := startRelay(t, time.Hour)
	network := newPipeNetwork()

	// Presenter side.
	presenterStore := state.NewStore()
	presenterStore.Set("slide", json.RawMessage("3"))

	mgr, err := presenter.Start(context.Background(), presenter.Options{
		Token:        "slidecast:AAAAAA",
		Channel:      dialRelay(t, url),
		Factory:      network.factory(),
		Store:        presenterStore,
		ReplayPacing: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Destroy)

	// Viewer side.
	viewerStore := state.NewStore()
	vmgr, err := viewer.Start(context.Background(), viewer.Options{
		Token:      "slidecast:AAAAAA",
		Channel:    dialRelay(t, url),
		Factory:    network.factory(),
		Store:      viewerStore,
		RetryDelay: 50 * time.Millisecond,
		RetryMax:   30,
	})
	require.NoError(t, err)
	t.Cleanup(vmgr.Destroy)

	events := make(chan string, 16)
	vmgr.SubscribeAll(func(key string, _ json.RawMessage) {
		events <- key
	})

	// The pre-join state is replayed to the fresh viewer.
	waitValue(t, viewerStore, "slide", "3")

	// A live change after the join is broadcast.
	presenterStore.Set("slide", json.RawMessage("4"))
	waitValue(t, viewerStore, "slide", "4")

	// Ad-hoc events arrive without being cached.
	require.NoError(t, mgr.SendEvent("pointer", map[string]int{"x": 9}))
	select {
	case key := <-events:
		assert.Equal(t, "pointer", key)
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the viewer")
	}
	_, cached := viewerStore.Get("pointer")
	assert.False(t, cached)
}

func TestEndToEndPresenterPauseAndResume(t *testing.T) {
	url := startRelay(t, time.Hour)

	// The presenter registers and then its connection dies.
	first := dialRelay(t, url)
	secret, err := signaling.CreateSession(context.Background(), first, "slidecast:BBBBBB")
	require.NoError(t, err)
	first.Close()

	// Joins during the grace window are rejected as retryable. The relay
	// may not have processed the disconnect yet, so early joins can still
	// succeed.
	v := dialRelay(t, url)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err = signaling.JoinSession(context.Background(), v, "slidecast:BBBBBB")
		if protocol.IsRetryable(err) {
			break
		}
		require.True(t, time.Now().Before(deadline), "join was never rejected as retryable")
		time.Sleep(20 * time.Millisecond)
	}

	// A resume with the wrong secret is refused and changes nothing.
	second := dialRelay(t, url)
	err = signaling.ResumeSession(context.Background(), second, "slidecast:BBBBBB", "wrong")
	assert.ErrorIs(t, err, protocol.ErrAuthMismatch)

	// The real presenter comes back and viewers can join again.
	require.NoError(t, signaling.ResumeSession(context.Background(), second, "slidecast:BBBBBB", secret))

	clientID, err := signaling.JoinSession(context.Background(), v, "slidecast:BBBBBB")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(clientID, "slidecast:BBBBBB-"))

	// The resumed connection is asked to negotiate with the new viewer.
	select {
	case msg := <-second.Incoming():
		assert.Equal(t, protocol.TypeCreatePeer, msg.Type)
		assert.Equal(t, clientID, msg.ClientID)
	case <-time.After(5 * time.Second):
		t.Fatal("create-peer never reached the resumed presenter")
	}
}

func TestEndToEndPeerSurvivesSignalingDrop(t *testing.T) {
	url := startRelay(t, time.Hour)
	proxy := startProxy(t, url)
	network := newPipeNetwork()

	// The presenter's signaling goes through the proxy; the viewer dials the
	// relay directly.
	presenterStore := state.NewStore()
	presenterStatuses := make(chan presenter.Status, 64)
	mgr, err := presenter.Start(context.Background(), presenter.Options{
		Token:        "slidecast:DDDDDD",
		Channel:      dialRelay(t, proxy.url()),
		Factory:      network.factory(),
		Store:        presenterStore,
		Status:       func(s presenter.Status) { presenterStatuses <- s },
		ReplayPacing: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Destroy)

	var viewerReconnects atomic.Int64
	viewerStore := state.NewStore()
	vmgr, err := viewer.Start(context.Background(), viewer.Options{
		Token:   "slidecast:DDDDDD",
		Channel: dialRelay(t, url),
		Factory: network.factory(),
		Store:   viewerStore,
		Status: func(s viewer.Status) {
			if s.Phase == viewer.PhaseReconnecting {
				viewerReconnects.Add(1)
			}
		},
		RetryDelay: 50 * time.Millisecond,
		RetryMax:   60,
	})
	require.NoError(t, err)
	t.Cleanup(vmgr.Destroy)

	presenterStore.Set("slide", json.RawMessage("1"))
	waitValue(t, viewerStore, "slide", "1")

	// Sever the presenter's signaling connection.
	proxy.drop()
	waitPresenterPhase(t, presenterStatuses, presenter.PhaseReconnecting)

	// The negotiated peer connection is independent of signaling: frames
	// keep flowing while the presenter is cut off from the relay.
	presenterStore.Set("slide", json.RawMessage("2"))
	waitValue(t, viewerStore, "slide", "2")

	// The presenter resumes within the grace period and carries on.
	waitPresenterPhase(t, presenterStatuses, presenter.PhaseLive)
	presenterStore.Set("slide", json.RawMessage("3"))
	waitValue(t, viewerStore, "slide", "3")

	// The viewer never noticed the outage and nothing was renegotiated.
	assert.Zero(t, viewerReconnects.Load())
	assert.Equal(t, int64(2), network.created.Load())
}

func waitPresenterPhase(t *testing.T, statuses <-chan presenter.Status, phase presenter.Phase) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-statuses:
			if s.Phase == phase {
				return
			}
		case <-deadline:
			t.Fatalf("presenter phase %v never arrived", phase)
		}
	}
}

func TestEndToEndSessionExpiry(t *testing.T) {
	url := startRelay(t, 50*time.Millisecond)

	first := dialRelay(t, url)
	_, err := signaling.CreateSession(context.Background(), first, "slidecast:CCCCCC")
	require.NoError(t, err)
	first.Close()

	// Once the grace period lapses the token is gone for good.
	v := dialRelay(t, url)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err = signaling.JoinSession(context.Background(), v, "slidecast:CCCCCC")
		if errors.Is(err, protocol.ErrUnknownToken) {
			break
		}
		require.True(t, time.Now().Before(deadline), "session never expired")
		time.Sleep(20 * time.Millisecond)
	}

	// The token is free again for a fresh session.
	second := dialRelay(t, url)
	_, err = signaling.CreateSession(context.Background(), second, "slidecast:CCCCCC")
	assert.NoError(t, err)
}

func waitValue(t *testing.T, store *state.Store, key, expected string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, ok := store.Get(key); ok && string(data) == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("store never saw %s=%s", key, expected)
}
