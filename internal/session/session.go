package session

import (
	"strings"
	"sync"
	"time"
)

// Role identifies who produced a Turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one finalized utterance in a session's chat history.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Pipeline is the handle a Session keeps for its active turn.
type Pipeline interface {
	ID() string
	Cancel()
	Done() <-chan struct{}
}

// Session holds per-connection conversation state.
type Session struct {
	id        string
	createdAt time.Time

	// mu serializes active pipeline swaps and voice updates.
	mu     sync.Mutex
	voice  string
	active Pipeline
	closed bool

	histMu  sync.RWMutex
	history []Turn
}

func newSession(id string) *Session {
	return &Session{id: id, createdAt: time.Now()}
}

func (s *Session) ID() string { return s.id }

// Lock acquires the session's lifecycle lock. Callers swapping the
// active pipeline must hold it.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// VoiceLocked returns the voice profile. Caller holds the session lock.
func (s *Session) VoiceLocked() string { return s.voice }

// SetVoiceLocked updates the voice profile. Caller holds the session lock.
func (s *Session) SetVoiceLocked(voice string) {
	if voice != "" {
		s.voice = voice
	}
}

// ActiveLocked returns the active pipeline, or nil. Caller holds the session lock.
func (s *Session) ActiveLocked() Pipeline { return s.active }

// SetActiveLocked installs p as the active pipeline and returns the previous
// one. Caller holds the session lock.
func (s *Session) SetActiveLocked(p Pipeline) Pipeline {
	prev := s.active
	s.active = p
	return prev
}

// ClearActive drops p if it is still the active pipeline.
func (s *Session) ClearActive(p Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == p {
		s.active = nil
	}
}

// ClosedLocked reports whether the session was torn down. Caller holds the session lock.
func (s *Session) ClosedLocked() bool { return s.closed }

func (s *Session) markClosed() Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	p := s.active
	s.active = nil
	return p
}

// AppendUser appends a user turn unless text repeats the immediately
// preceding user turn (trimmed, case-insensitive). Reports whether a
// turn was appended.
func (s *Session) AppendUser(text string) (Turn, bool) {
	text = strings.TrimSpace(text)
	s.histMu.Lock()
	defer s.histMu.Unlock()

	if prev, ok := s.lastUserLocked(); ok && strings.EqualFold(prev.Text, text) {
		return prev, false
	}
	t := Turn{Role: RoleUser, Text: text, CreatedAt: time.Now()}
	s.history = append(s.history, t)
	return t, true
}

// AppendAgent appends a completed agent reply.
func (s *Session) AppendAgent(text string) Turn {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	t := Turn{Role: RoleAgent, Text: text, CreatedAt: time.Now()}
	s.history = append(s.history, t)
	return t
}

func (s *Session) lastUserLocked() (Turn, bool) {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Role == RoleUser {
			return s.history[i], true
		}
	}
	return Turn{}, false
}

// History returns a copy of the chat history.
func (s *Session) History() []Turn {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Recent returns a copy of the last n turns. n <= 0 returns the full history.
func (s *Session) Recent(n int) []Turn {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	start := 0
	if n > 0 && len(s.history) > n {
		start = len(s.history) - n
	}
	out := make([]Turn, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// ClearHistory drops every turn and returns how many were removed.
func (s *Session) ClearHistory() int {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	n := len(s.history)
	s.history = nil
	return n
}

// Len returns the number of turns in history.
func (s *Session) Len() int {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	return len(s.history)
}
