// Package state provides the shared key/value store that stands in for the
// host presentation framework's storage. The presenter broadcasts every
// change; the viewer applies received changes and republishes them locally.
package state

import (
	"encoding/json"
	"sort"
	"sync"
)

// Entry is one key with its last-seen value.
type Entry struct {
	Key  string
	Data json.RawMessage
}

// Subscriber observes every change to the store. Callbacks run on the
// goroutine that performed the change.
type Subscriber func(key string, data json.RawMessage)

// Store is a last-known-value store with change notification. Keys are
// small and finite in practice (slide index and friends), so values are
// kept for the life of the session.
type Store struct {
	mu      sync.Mutex
	values  map[string]json.RawMessage
	subs    map[int]Subscriber
	nextSub int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		values: make(map[string]json.RawMessage),
		subs:   make(map[int]Subscriber),
	}
}

// Set stores a value and notifies subscribers.
func (s *Store) Set(key string, data json.RawMessage) {
	s.mu.Lock()
	s.values[key] = data
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	// Callbacks run outside the lock so a subscriber may read the store.
	for _, sub := range subs {
		sub(key, data)
	}
}

// SetValue marshals and stores an arbitrary value.
func (s *Store) SetValue(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.Set(key, data)
	return nil
}

// Get returns the last value seen for a key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.values[key]
	return data, ok
}

// Snapshot returns all entries ordered by key, so replay order is
// deterministic per run.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.values))
	for key, data := range s.values {
		entries = append(entries, Entry{Key: key, Data: data})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Subscribe registers a change observer and returns its unsubscribe
// function. Managers unsubscribe during teardown so no stale subscriber
// outlives them.
func (s *Store) Subscribe(sub Subscriber) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
