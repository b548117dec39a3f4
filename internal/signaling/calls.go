package signaling

import (
	"context"
	"encoding/json"

	"github.com/slidecast/slidecast/internal/protocol"
)

// Typed wrappers over the raw wire messages, so the connection managers
// never assemble protocol.Message values by hand.

// CreateSession registers a new session and returns its resume secret.
func CreateSession(ctx context.Context, ch Channel, token string) (string, error) {
	resp, err := ch.Call(ctx, &protocol.Message{
		Type:  protocol.TypeCreateSession,
		Token: token,
	})
	if err != nil {
		return "", err
	}
	return resp.Secret, nil
}

// ResumeSession reclaims ownership of a session after a transport drop.
func ResumeSession(ctx context.Context, ch Channel, token, secret string) error {
	_, err := ch.Call(ctx, &protocol.Message{
		Type:   protocol.TypeResumeSession,
		Token:  token,
		Secret: secret,
	})
	return err
}

// JoinSession registers the caller as a viewer and returns its client id.
func JoinSession(ctx context.Context, ch Channel, token string) (string, error) {
	resp, err := ch.Call(ctx, &protocol.Message{
		Type:  protocol.TypeJoinSession,
		Token: token,
	})
	if err != nil {
		return "", err
	}
	return resp.ClientID, nil
}

// SendSignal forwards a handshake payload. Presenters address a specific
// client id; viewers leave it empty and the relay tags it for them.
func SendSignal(ch Channel, clientID string, data json.RawMessage) {
	ch.Send(&protocol.Message{
		Type:     protocol.TypeSignal,
		ClientID: clientID,
		Data:     data,
	})
}
