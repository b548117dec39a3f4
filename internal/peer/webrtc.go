package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/slidecast/slidecast/internal/config"
)

// dataChannelLabel names the single ordered, reliable channel carrying
// state and event frames.
const dataChannelLabel = "sync"

// signalPayload is the handshake blob exchanged through the relay: either
// an SDP description or a trickled ICE candidate.
type signalPayload struct {
	Type         string `json:"type,omitempty"`
	SDP          string `json:"sdp,omitempty"`
	ICECandidate any    `json:"ice_candidate,omitempty"`
}

// NewFactory builds the production factory backed by pion.
func NewFactory(cfg *config.Config) Factory {
	return func(initiator bool, h Handlers) (Conn, error) {
		return newConn(cfg, initiator, h)
	}
}

type webrtcConn struct {
	pc *pion.PeerConnection
	h  Handlers

	mu        sync.Mutex
	dc        *pion.DataChannel
	remoteSet bool
	// Candidates can arrive through the relay before the remote
	// description does; they are held back until it lands.
	pendingCandidates []pion.ICECandidateInit

	closeOnce sync.Once
}

func newConn(cfg *config.Config, initiator bool, h Handlers) (*webrtcConn, error) {
	iceServers := []pion.ICEServer{{URLs: cfg.GetSTUNServers()}}

	if turnServers := cfg.GetTURNServers(); turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c := &webrtcConn{pc: pc, h: h}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		if state == pion.ICEConnectionStateFailed || state == pion.ICEConnectionStateClosed {
			c.emitClose()
		}
	})

	pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		if candidate == nil {
			return
		}
		c.emitSignal(signalPayload{ICECandidate: candidate.ToJSON()})
	})

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		c.bindChannel(dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			pc.Close()
			return nil, fmt.Errorf("set local description: %w", err)
		}
		c.emitSignal(signalPayload{Type: "offer", SDP: offer.SDP})
	} else {
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			c.bindChannel(dc)
		})
	}

	return c, nil
}

func (c *webrtcConn) bindChannel(dc *pion.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		if c.h.OnConnect != nil {
			c.h.OnConnect()
		}
	})
	dc.OnClose(func() {
		c.emitClose()
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		if c.h.OnData != nil {
			c.h.OnData(msg.Data)
		}
	})
}

// Signal implements Conn.
func (c *webrtcConn) Signal(data json.RawMessage) error {
	var payload signalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse handshake payload: %w", err)
	}

	switch payload.Type {
	case "offer":
		desc := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: payload.SDP}
		if err := c.setRemote(desc); err != nil {
			return err
		}

		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		c.emitSignal(signalPayload{Type: "answer", SDP: answer.SDP})
		return nil

	case "answer":
		desc := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: payload.SDP}
		return c.setRemote(desc)

	case "":
		if payload.ICECandidate == nil {
			return nil
		}
		return c.addCandidate(payload.ICECandidate)

	default:
		return fmt.Errorf("unexpected signal type %q", payload.Type)
	}
}

func (c *webrtcConn) setRemote(desc pion.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	c.mu.Lock()
	c.remoteSet = true
	held := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, candidate := range held {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("add held ICE candidate: %w", err)
		}
	}
	return nil
}

func (c *webrtcConn) addCandidate(raw any) error {
	candidateBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode ICE candidate: %w", err)
	}
	var ice pion.ICECandidateInit
	if err := json.Unmarshal(candidateBytes, &ice); err != nil {
		return fmt.Errorf("parse ICE candidate: %w", err)
	}

	c.mu.Lock()
	if !c.remoteSet {
		c.pendingCandidates = append(c.pendingCandidates, ice)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(ice); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// Send implements Conn.
func (c *webrtcConn) Send(payload []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(payload)
}

// Close implements Conn.
func (c *webrtcConn) Close() error {
	return c.pc.Close()
}

func (c *webrtcConn) emitSignal(payload signalPayload) {
	if c.h.OnSignal == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.h.OnSignal(data)
}

func (c *webrtcConn) emitClose() {
	c.closeOnce.Do(func() {
		if c.h.OnClose != nil {
			c.h.OnClose()
		}
	})
}
