// Package session keeps the per-call transcript and extracted fields for the
// lifetime of a call.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Store maps call ids to live sessions. It is shared by every relay in the
// process; each relay only touches its own key.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		logger:   logger,
		now:      time.Now,
	}
}

// NewCallID generates an id for calls that arrive without one.
func NewCallID() string {
	return ulid.Make().String()
}

// GetOrCreate returns the session for callID, creating it if absent.
func (s *Store) GetOrCreate(callID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[callID]; ok {
		return sess
	}

	sess := newSession(callID, s.now)
	s.sessions[callID] = sess
	s.logger.Debug("Created session", slog.String("call_id", callID))
	return sess
}

// Get returns the session for callID if one exists.
func (s *Store) Get(callID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callID]
	return sess, ok
}

// Remove drops the session. A later GetOrCreate for the same id starts fresh.
func (s *Store) Remove(callID string) {
	s.mu.Lock()
	delete(s.sessions, callID)
	s.mu.Unlock()
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
