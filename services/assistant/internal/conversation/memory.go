package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps sessions in process. It holds at most maxSessions,
// evicting the least recently used, and drops sessions idle for ttl.
// A session evicted while a turn is running is re-added when the turn
// writes back; a deleted one is not.
type MemoryStore struct {
	mu       sync.Mutex
	sessions *expirable.LRU[string, *memorySession]
	maxTurns int
}

func NewMemoryStore(maxSessions int, ttl time.Duration, maxTurns int) *MemoryStore {
	if maxSessions <= 0 {
		maxSessions = 10000
	}
	return &MemoryStore{
		sessions: expirable.NewLRU[string, *memorySession](maxSessions, nil, ttl),
		maxTurns: evenCap(maxTurns),
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, userID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions.Get(userID)
	if !ok {
		sess = &memorySession{store: s, userID: userID, maxTurns: s.maxTurns}
	}
	// Re-adding refreshes the idle deadline.
	s.sessions.Add(userID, sess)
	return sess, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions.Peek(userID); ok {
		sess.deleted = true
	}
	s.sessions.Remove(userID)
	return nil
}

// live returns the session writes to m should land in, or nil when m was
// deleted. If m was evicted and no newer session exists, m is re-added.
func (s *MemoryStore) live(m *memorySession) *memorySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.deleted {
		return nil
	}
	if cur, ok := s.sessions.Peek(m.userID); ok {
		return cur
	}
	s.sessions.Add(m.userID, m)
	return m
}

// Len reports the number of live sessions.
func (s *MemoryStore) Len() int {
	return s.sessions.Len()
}

type memorySession struct {
	store    *MemoryStore
	mu       sync.Mutex
	userID   string
	turns    []Turn
	maxTurns int
	// deleted is guarded by store.mu.
	deleted bool
}

func (m *memorySession) UserID() string { return m.userID }

func (m *memorySession) Append(_ context.Context, speaker Speaker, text string) error {
	if !validSpeaker(speaker) {
		return ErrInvalidSpeaker
	}
	m.write(Turn{Speaker: speaker, Text: text})
	return nil
}

func (m *memorySession) AppendExchange(_ context.Context, question, answer string) error {
	m.write(
		Turn{Speaker: SpeakerUser, Text: question},
		Turn{Speaker: SpeakerAssistant, Text: answer},
	)
	return nil
}

func (m *memorySession) write(turns ...Turn) {
	target := m.store.live(m)
	if target == nil {
		return
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	target.turns = append(target.turns, turns...)
	target.trim()
}

func (m *memorySession) History(_ context.Context) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out, nil
}

// trim drops the oldest turns in whole pairs. Callers hold m.mu.
func (m *memorySession) trim() {
	excess := len(m.turns) - m.maxTurns
	if excess <= 0 {
		return
	}
	if excess%2 == 1 {
		excess++
	}
	if excess > len(m.turns) {
		excess = len(m.turns)
	}
	m.turns = append([]Turn(nil), m.turns[excess:]...)
}
