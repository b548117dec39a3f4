package protocol

import "errors"

// Error codes carried on failed results. The relay never sends Go errors
// across the wire; clients map codes back to the sentinels below.
const (
	CodeTokenUnavailable     = "token-unavailable"
	CodeUnknownToken         = "unknown-token"
	CodeAuthMismatch         = "auth-mismatch"
	CodePresenterUnreachable = "presenter-unreachable"
)

var (
	ErrTokenUnavailable     = errors.New("the token is unavailable")
	ErrUnknownToken         = errors.New("the token is unknown")
	ErrAuthMismatch         = errors.New("unable to resume session")
	ErrPresenterUnreachable = errors.New("presenter is currently disconnected")
)

// ErrorForCode maps a wire code to its sentinel error. Unknown codes come
// back as opaque errors so a newer relay cannot crash an older client.
func ErrorForCode(code string) error {
	switch code {
	case CodeTokenUnavailable:
		return ErrTokenUnavailable
	case CodeUnknownToken:
		return ErrUnknownToken
	case CodeAuthMismatch:
		return ErrAuthMismatch
	case CodePresenterUnreachable:
		return ErrPresenterUnreachable
	default:
		return errors.New(code)
	}
}

// IsRetryable reports whether the rejection is transient. Only
// presenter-unreachable is worth retrying; every other rejection is final.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPresenterUnreachable)
}

// IsTerminal reports whether the rejection ends the session from the
// caller's perspective.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrUnknownToken) || errors.Is(err, ErrAuthMismatch) ||
		errors.Is(err, ErrTokenUnavailable)
}
