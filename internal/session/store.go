package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyExists is returned by Store.Create when the session id is in use.
var ErrAlreadyExists = errors.New("session: already exists")

// Releaser frees an external resource held by a session, e.g. a Sonic
// stream. Releasers run during Delete, before the entry is removed.
type Releaser func(s *Session)

// Store is the process-wide session table. Safe for concurrent use across
// distinct session ids; lookups take a short critical section only.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	release  map[string][]Releaser
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		release:  make(map[string][]Releaser),
	}
}

// Create registers a new session. Fails with ErrAlreadyExists if the id is
// already in use.
func (st *Store) Create(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.ID]; ok {
		return fmt.Errorf("session %q: %w", s.ID, ErrAlreadyExists)
	}
	st.sessions[s.ID] = s
	return nil
}

// Get returns the session with the given id, or nil.
func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// OnDelete registers a releaser to run when the session is deleted. No-op if
// the session does not exist.
func (st *Store) OnDelete(id string, r Releaser) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return
	}
	st.release[id] = append(st.release[id], r)
}

// Delete terminates and removes a session, running its releasers first.
// Idempotent: deleting an unknown id is a no-op. After Delete returns, a
// create with the same id succeeds.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return
	}
	releasers := st.release[id]
	delete(st.sessions, id)
	delete(st.release, id)
	st.mu.Unlock()

	// Mark terminated first so stale handles observed by in-flight work
	// become no-ops before external resources go away.
	s.Do(func() { s.State = StateTerminated })
	for _, r := range releasers {
		r(s)
	}
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// IDs returns a snapshot of the live session ids.
func (st *Store) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}
