package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame kinds. Storage frames carry last-known-value state (slide index and
// friends); event frames are ad-hoc one-shot notifications (pointer clicks).
const (
	KindStorage = "localstorage"
	KindEvent   = "event"
)

// Frame is the JSON payload sent over the negotiated peer data channel.
// This format is shared with web viewers, so it stays JSON.
type Frame struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
	Kind string          `json:"kind"`
}

// EncodeFrame marshals a frame for the data channel.
func EncodeFrame(key string, data any, kind string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode frame data %q: %w", key, err)
	}
	return json.Marshal(Frame{Key: key, Data: raw, Kind: kind})
}

// EncodeRawFrame marshals a frame whose data is already JSON.
func EncodeRawFrame(key string, data json.RawMessage, kind string) ([]byte, error) {
	return json.Marshal(Frame{Key: key, Data: data, Kind: kind})
}

// ParseFrame unmarshals a data channel payload. Malformed payloads are the
// caller's problem to log and drop; they must never tear anything down.
func ParseFrame(payload []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	switch f.Kind {
	case KindStorage, KindEvent:
		return &f, nil
	default:
		return nil, fmt.Errorf("parse frame: unknown kind %q", f.Kind)
	}
}
