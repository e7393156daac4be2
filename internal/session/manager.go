package session

import (
	"context"
	"sync"
)

// Manager keeps one Session per conversation so that turns on the same
// conversation are serialized across callers.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns an empty Manager whose sessions share deps.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, sessions: make(map[string]*Session)}
}

// Get returns the session for conversationID, creating it on first use.
func (m *Manager) Get(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		s = New(conversationID, m.deps)
		m.sessions[conversationID] = s
	}
	return s
}

// Lookup returns the session for conversationID if one exists.
func (m *Manager) Lookup(conversationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	return s, ok
}

// Forget drops an idle session, for example after its conversation was
// deleted. Busy sessions are kept, including one still writing the user
// message of a new turn.
func (m *Manager) Forget(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[conversationID]; ok && !s.Busy() {
		delete(m.sessions, conversationID)
	}
}

// Shutdown cancels every in-flight turn and waits for their final writes
// or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var turns []*Turn
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.status.InFlight() && s.turn != nil {
			turns = append(turns, s.turn)
		}
		s.mu.Unlock()
		_ = s.Cancel()
	}
	m.mu.Unlock()

	for _, t := range turns {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SetAPIKey replaces the default provider key for sessions created from now
// on and for existing ones.
func (m *Manager) SetAPIKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps.Config.APIKey = key
	for _, s := range m.sessions {
		s.mu.Lock()
		s.deps.Config.APIKey = key
		s.mu.Unlock()
	}
}
