// Package server tracks authenticated sessions in the SessionStore, the
// single synchronized registry behind roster snapshots and broadcast fan-out.
package server

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	// ErrDuplicateConnection indicates that a connection handle is already
	// registered. This is an internal invariant violation, not a normal
	// protocol outcome.
	ErrDuplicateConnection = errors.New("connection already registered")

	// ErrSessionNotFound indicates that no session matches the given
	// connection handle or session ID.
	ErrSessionNotFound = errors.New("session not found")
)

// Session is an authenticated, live connection record. A session exists in
// the store if and only if its connection is open and authenticated.
type Session struct {
	ID       uuid.UUID
	Username string

	client *Client
}

// SessionStore is the in-memory registry of connected sessions. All
// operations are safe for concurrent use; mutations and fan-out are applied
// atomically with respect to each other so roster snapshots always reflect a
// consistent point-in-time membership.
//
// Sessions are kept in join order to make roster snapshots deterministic.
type SessionStore struct {
	mu       sync.Mutex
	ordered  []*Session
	byClient map[*Client]*Session
	byID     map[uuid.UUID]*Session
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byClient: make(map[*Client]*Session),
		byID:     make(map[uuid.UUID]*Session),
	}
}

// Add registers a new session for the given connection handle and returns
// its freshly assigned session ID. Usernames may repeat across sessions;
// connection handles may not.
func (s *SessionStore) Add(client *Client, username string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byClient[client]; exists {
		return uuid.Nil, ErrDuplicateConnection
	}

	session := &Session{
		ID:       uuid.New(),
		Username: username,
		client:   client,
	}
	s.ordered = append(s.ordered, session)
	s.byClient[client] = session
	s.byID[session.ID] = session
	return session.ID, nil
}

// RemoveClient deregisters the session owned by the given connection handle.
func (s *SessionStore) RemoveClient(client *Client) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.byClient[client]
	if !exists {
		return Session{}, ErrSessionNotFound
	}
	s.removeLocked(session)
	return *session, nil
}

// RemoveID deregisters the session with the given session ID.
func (s *SessionStore) RemoveID(id uuid.UUID) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.byID[id]
	if !exists {
		return Session{}, ErrSessionNotFound
	}
	s.removeLocked(session)
	return *session, nil
}

func (s *SessionStore) removeLocked(session *Session) {
	delete(s.byClient, session.client)
	delete(s.byID, session.ID)
	for i, candidate := range s.ordered {
		if candidate == session {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
}

// Roster returns the current membership in join order.
func (s *SessionStore) Roster() []RosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.Map(s.ordered, func(session *Session, _ int) RosterEntry {
		return RosterEntry{ID: session.ID.String(), Username: session.Username}
	})
}

// Len returns the number of registered sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ordered)
}

// Broadcast delivers payload to every registered session, best effort. A
// client whose send buffer is full does not block delivery to the others;
// such clients are returned so the hub can schedule their removal.
func (s *SessionStore) Broadcast(payload []byte) []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []*Client
	for _, session := range s.ordered {
		if !session.client.enqueue(payload) {
			failed = append(failed, session.client)
		}
	}
	return failed
}
