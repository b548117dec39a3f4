package relay

// Session identifies one presenter broadcast. The owner is the signaling
// connection currently representing the presenter; it is reassigned when
// the presenter resumes after a disconnect.
type Session struct {
	Token  string
	Secret string
	Owner  *Client

	// clientCount mints viewer ordinals. It only ever grows, so client ids
	// are never reused within a session, even across viewer churn.
	clientCount int
}

// NextOrdinal reserves the next viewer ordinal for this session.
func (s *Session) NextOrdinal() int {
	s.clientCount++
	return s.clientCount
}

// Store is the backing table for active sessions. The in-memory
// implementation is the only one today; the interface keeps the registry
// free of raw map access so a distributed store can slot in later.
//
// Store implementations need no internal locking: the hub goroutine is the
// sole caller.
type Store interface {
	Put(token string, s *Session)
	Get(token string) (*Session, bool)
	Delete(token string)
	Len() int
}

type memoryStore struct {
	sessions map[string]*Session
}

// NewMemoryStore creates the default in-memory session store.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]*Session)}
}

func (m *memoryStore) Put(token string, s *Session) {
	m.sessions[token] = s
}

func (m *memoryStore) Get(token string) (*Session, bool) {
	s, ok := m.sessions[token]
	return s, ok
}

func (m *memoryStore) Delete(token string) {
	delete(m.sessions, token)
}

func (m *memoryStore) Len() int {
	return len(m.sessions)
}
