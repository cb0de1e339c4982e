package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
)

// DefaultIdleTTL is the idle period after which a signing session must be
// re-established with the original access code.
const DefaultIdleTTL = 30 * time.Minute

// Session is an in-flight signing session bound to one recipient of one
// envelope. It carries no credential; establishing one requires a validated
// access code.
type Session struct {
	ID          string
	EnvelopeID  string
	RecipientID string
	CreatedAt   time.Time
	LastActive  time.Time
}

// Manager tracks signing sessions in memory with idle expiry.
type Manager struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager creates a manager; ttl <= 0 uses DefaultIdleTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &Manager{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Establish creates a session for the recipient. The caller must have
// validated the recipient's access code first.
func (m *Manager) Establish(envelopeID, recipientID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := &Session{
		ID:          uuid.NewString(),
		EnvelopeID:  envelopeID,
		RecipientID: recipientID,
		CreatedAt:   now,
		LastActive:  now,
	}
	m.sessions[s.ID] = s
	m.purgeLocked(now)
	return *s
}

// Resolve returns the live session and refreshes its idle timer. An idle
// session past the TTL is removed and reported expired.
func (m *Manager) Resolve(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	now := m.now()
	if now.Sub(s.LastActive) > m.ttl {
		delete(m.sessions, id)
		return Session{}, ErrExpired
	}
	s.LastActive = now
	return *s, nil
}

// Invalidate removes a single session.
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// InvalidateEnvelope removes every session bound to the envelope; called when
// the envelope reaches a terminal state.
func (m *Manager) InvalidateEnvelope(envelopeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.EnvelopeID == envelopeID {
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) purgeLocked(now time.Time) {
	for id, s := range m.sessions {
		if now.Sub(s.LastActive) > m.ttl {
			delete(m.sessions, id)
		}
	}
}
