package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id has no live session.
var ErrNotFound = errors.New("session not found")

// Store is the in-memory registry of live sessions. The map lock covers
// insert, lookup and delete only; per-session state has its own locks.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for id, creating it if needed. An empty id
// gets a generated one. The second return reports whether it was created.
func (s *Store) GetOrCreate(id string) (*Session, bool) {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, false
	}
	sess := newSession(id)
	s.sessions[id] = sess
	return sess, true
}

// Get returns the live session for id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Delete removes the session and marks it closed. It returns the pipeline
// that was active at removal time so the caller can cancel it.
func (s *Store) Delete(id string) (Pipeline, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess.markClosed(), nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stats summarizes one live session.
type Stats struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot returns stats for every live session, oldest first.
func (s *Store) Snapshot() []Stats {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	out := make([]Stats, 0, len(all))
	for _, sess := range all {
		sess.mu.Lock()
		active := sess.active != nil
		sess.mu.Unlock()
		out = append(out, Stats{ID: sess.id, Turns: sess.Len(), Active: active, CreatedAt: sess.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
