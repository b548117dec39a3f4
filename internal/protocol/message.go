package protocol

import "encoding/json"

// Message defines the structure for all websocket messages exchanged with
// the relay, in both directions. Requests that expect a response carry an
// ID; the relay answers with a "result" message bearing the same ID.
type Message struct {
	Type string `json:"type"`

	// ID correlates a request with its result. Zero for fire-and-forget
	// messages (signal, create-peer).
	ID uint64 `json:"id,omitempty"`

	Token  string `json:"token,omitempty"`
	Secret string `json:"secret,omitempty"`

	// ClientID addresses one registered viewer within a session.
	ClientID string `json:"client_id,omitempty"`

	// Data is an opaque handshake payload produced by the peer connection.
	// The relay forwards it without interpreting it.
	Data json.RawMessage `json:"data,omitempty"`

	// Code and Retryable are only set on failed results.
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Message type constants.
const (
	TypeCreateSession = "create-session"
	TypeResumeSession = "resume-session"
	TypeJoinSession   = "join-session"
	TypeSignal        = "signal"

	TypeCreatePeer = "create-peer"
	TypeResult     = "result"
)

// Result builds a successful response to the given request.
func Result(req *Message) *Message {
	return &Message{Type: TypeResult, ID: req.ID}
}

// Failure builds a failed response to the given request.
func Failure(req *Message, code string, retryable bool) *Message {
	return &Message{Type: TypeResult, ID: req.ID, Code: code, Retryable: retryable}
}
