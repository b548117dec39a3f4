// Package peer wraps the WebRTC primitive behind a small interface so the
// connection managers can be driven by synthetic peers in tests. The
// handshake payload format is opaque to everything outside this package;
// the relay and the managers only move it around.
package peer

import (
	"encoding/json"
	"errors"
)

// ErrChannelNotOpen is returned by Send before the data channel has
// finished negotiating or after it closed.
var ErrChannelNotOpen = errors.New("data channel not open")

// Handlers receive the lifecycle events of one peer connection. All fields
// are optional; they must be set before the factory is invoked because the
// initiator emits its first handshake payload during construction.
type Handlers struct {
	// OnSignal emits an outbound handshake payload to relay to the remote
	// side.
	OnSignal func(data json.RawMessage)

	// OnConnect fires once when the data channel opens.
	OnConnect func()

	// OnClose fires at most once when the connection dies, whatever the
	// cause.
	OnClose func()

	// OnData delivers inbound data channel payloads.
	OnData func(payload []byte)
}

// Conn is one negotiated (or negotiating) peer connection.
type Conn interface {
	// Signal feeds a relayed handshake payload from the remote side.
	Signal(data json.RawMessage) error

	// Send writes a payload to the data channel.
	Send(payload []byte) error

	Close() error
}

// Factory creates peer connections. The presenter always initiates; the
// viewer always responds.
type Factory func(initiator bool, h Handlers) (Conn, error)
