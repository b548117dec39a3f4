package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"math/big"
	"strings"
)

// TokenLength is the number of characters in a human-typed session token.
const TokenLength = 6

// sessionPrefix namespaces tokens before they hit the relay, so sessions of
// other deployments sharing a relay cannot collide with ours.
const sessionPrefix = "slidecast:"

// Ambiguous characters (0/O, 1/I/L) are excluded because tokens are read
// aloud and typed by hand.
const tokenAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateToken creates a random session token for the presenter. Tokens
// are low entropy by design; the session secret is what guards ownership.
func GenerateToken() string {
	var b strings.Builder
	for i := 0; i < TokenLength; i++ {
		b.WriteByte(tokenAlphabet[randomIndex(len(tokenAlphabet))])
	}
	return b.String()
}

// NormalizeToken ensures consistent formatting (uppercase, trimmed) before
// the token is turned into a session name. The relay itself treats tokens
// as opaque; normalization is purely a client-side concern.
func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// ValidToken checks the shape of a human-typed token.
func ValidToken(token string) bool {
	return len(NormalizeToken(token)) == TokenLength
}

// SessionName derives the relay-facing session token from a human token.
func SessionName(token string) string {
	return sessionPrefix + NormalizeToken(token)
}

// NewSecret mints a session secret. The secret is a bearer credential for
// session resumption, so it comes from a cryptographically secure source.
func NewSecret() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		slog.Error("secret generation failed", "error", err)
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// randomIndex returns a cryptographically secure random index for a slice
// of the given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		slog.Error("random index generation failed", "error", err)
		panic(err)
	}
	return int(n.Int64())
}
