package relay

import (
	"log/slog"
	"time"

	"github.com/slidecast/slidecast/internal/protocol"
)

// Registry owns the session table and the per-token garbage timers. All
// methods must be called from the hub goroutine; the only concurrency here
// is the timers themselves, which report back through Expirations instead
// of touching state directly.
type Registry struct {
	store   Store
	grace   time.Duration
	garbage map[string]*time.Timer
	expired chan string
}

// NewRegistry creates a registry with the given backing store and grace
// period for abandoned sessions.
func NewRegistry(store Store, grace time.Duration) *Registry {
	return &Registry{
		store:   store,
		grace:   grace,
		garbage: make(map[string]*time.Timer),
		expired: make(chan string, 16),
	}
}

// Create registers a new session owned by the given connection. The secret
// is freshly minted on every create.
func (r *Registry) Create(token string, owner *Client) (*Session, error) {
	if token == "" {
		return nil, protocol.ErrTokenUnavailable
	}
	if _, ok := r.store.Get(token); ok {
		return nil, protocol.ErrTokenUnavailable
	}

	session := &Session{
		Token:  token,
		Secret: protocol.NewSecret(),
		Owner:  owner,
	}
	r.store.Put(token, session)
	return session, nil
}

// Resume rebinds a session to a new owning connection after verifying the
// secret, cancelling any pending deletion. Resuming a session whose owner
// is still bound is accepted as a silent takeover; the stale connection
// loses ownership and its eventual disconnect is ignored.
func (r *Registry) Resume(token, secret string, owner *Client) (*Session, error) {
	session, ok := r.store.Get(token)
	if !ok {
		return nil, protocol.ErrUnknownToken
	}
	if session.Secret != secret {
		return nil, protocol.ErrAuthMismatch
	}

	r.cancelGarbage(token)
	session.Owner = owner
	return session, nil
}

// Lookup returns the session for a token if one exists.
func (r *Registry) Lookup(token string) (*Session, bool) {
	return r.store.Get(token)
}

// GarbagePending reports whether the token's owner is currently
// disconnected and awaiting either resume or expiry.
func (r *Registry) GarbagePending(token string) bool {
	_, ok := r.garbage[token]
	return ok
}

// ScheduleGarbage arms the deferred-deletion timer for a token. Called when
// the owning connection closes.
func (r *Registry) ScheduleGarbage(token string) {
	if _, ok := r.garbage[token]; ok {
		return
	}
	r.garbage[token] = time.AfterFunc(r.grace, func() {
		// Hand the token back to the hub goroutine; the timer must not
		// mutate registry state itself.
		r.expired <- token
	})
}

func (r *Registry) cancelGarbage(token string) {
	if timer, ok := r.garbage[token]; ok {
		timer.Stop()
		delete(r.garbage, token)
	}
}

// Expirations delivers tokens whose grace period has elapsed.
func (r *Registry) Expirations() <-chan string {
	return r.expired
}

// Expire deletes a session whose garbage timer fired. A token whose timer
// was cancelled between firing and processing is left alone, so a resumed
// session can never be deleted by a stale expiry.
func (r *Registry) Expire(token string) bool {
	if _, ok := r.garbage[token]; !ok {
		return false
	}
	delete(r.garbage, token)
	r.store.Delete(token)
	slog.Info("session destroyed", "token", token)
	return true
}

// Shutdown stops all pending garbage timers.
func (r *Registry) Shutdown() {
	for token, timer := range r.garbage {
		timer.Stop()
		delete(r.garbage, token)
	}
}
