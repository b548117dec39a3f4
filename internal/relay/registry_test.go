package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidecast/slidecast/internal/protocol"
)

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Hour)
	owner := &Client{Send: make(chan *protocol.Message, 16)}

	session, err := r.Create("slidecast:AAAAAA", owner)
	require.NoError(t, err)
	assert.Equal(t, "slidecast:AAAAAA", session.Token)
	assert.Len(t, session.Secret, 32)
	assert.Same(t, owner, session.Owner)

	_, err = r.Create("", owner)
	assert.ErrorIs(t, err, protocol.ErrTokenUnavailable)

	_, err = r.Create("slidecast:AAAAAA", &Client{})
	assert.ErrorIs(t, err, protocol.ErrTokenUnavailable)
}

func TestRegistryResume(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Hour)
	first := &Client{Send: make(chan *protocol.Message, 16)}
	session, err := r.Create("slidecast:AAAAAA", first)
	require.NoError(t, err)

	_, err = r.Resume("slidecast:ZZZZZZ", session.Secret, first)
	assert.ErrorIs(t, err, protocol.ErrUnknownToken)

	_, err = r.Resume("slidecast:AAAAAA", "wrong", first)
	assert.ErrorIs(t, err, protocol.ErrAuthMismatch)

	// A resume while the previous owner is still bound is a takeover.
	second := &Client{Send: make(chan *protocol.Message, 16)}
	resumed, err := r.Resume("slidecast:AAAAAA", session.Secret, second)
	require.NoError(t, err)
	assert.Same(t, second, resumed.Owner)
}

func TestRegistryResumeCancelsGarbage(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Hour)
	first := &Client{Send: make(chan *protocol.Message, 16)}
	session, err := r.Create("slidecast:AAAAAA", first)
	require.NoError(t, err)

	r.ScheduleGarbage("slidecast:AAAAAA")
	assert.True(t, r.GarbagePending("slidecast:AAAAAA"))

	_, err = r.Resume("slidecast:AAAAAA", session.Secret, first)
	require.NoError(t, err)
	assert.False(t, r.GarbagePending("slidecast:AAAAAA"))
}

func TestRegistryExpiry(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistry(store, 10*time.Millisecond)
	owner := &Client{Send: make(chan *protocol.Message, 16)}
	_, err := r.Create("slidecast:AAAAAA", owner)
	require.NoError(t, err)

	r.ScheduleGarbage("slidecast:AAAAAA")

	select {
	case token := <-r.Expirations():
		assert.Equal(t, "slidecast:AAAAAA", token)
		assert.True(t, r.Expire(token))
	case <-time.After(time.Second):
		t.Fatal("garbage timer never fired")
	}

	assert.Equal(t, 0, store.Len())
	assert.False(t, r.GarbagePending("slidecast:AAAAAA"))
}

func TestRegistryStaleExpiryIgnored(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistry(store, time.Hour)
	owner := &Client{Send: make(chan *protocol.Message, 16)}
	session, err := r.Create("slidecast:AAAAAA", owner)
	require.NoError(t, err)

	// The timer fired and queued the token, then a resume cancelled the
	// deletion before the hub processed it. The expiry must be a no-op.
	r.ScheduleGarbage("slidecast:AAAAAA")
	_, err = r.Resume("slidecast:AAAAAA", session.Secret, owner)
	require.NoError(t, err)

	assert.False(t, r.Expire("slidecast:AAAAAA"))
	assert.Equal(t, 1, store.Len())
}

func TestRegistryScheduleGarbageIdempotent(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Hour)
	owner := &Client{Send: make(chan *protocol.Message, 16)}
	_, err := r.Create("slidecast:AAAAAA", owner)
	require.NoError(t, err)

	r.ScheduleGarbage("slidecast:AAAAAA")
	r.ScheduleGarbage("slidecast:AAAAAA")
	assert.True(t, r.GarbagePending("slidecast:AAAAAA"))
}

func TestSessionOrdinalsNeverReused(t *testing.T) {
	s := &Session{Token: "slidecast:AAAAAA"}
	assert.Equal(t, 1, s.NextOrdinal())
	assert.Equal(t, 2, s.NextOrdinal())
	assert.Equal(t, 3, s.NextOrdinal())
}
