package conversation

import (
	"log/slog"
	"sync"
	"time"
)

// Manager holds active sessions per user.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*Session
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a session manager. Sessions it creates use opts.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		active: make(map[string]map[string]*Session),
		opts:   opts,
		now:    time.Now,
		logger: logger,
	}
}

// Get returns the active session for a user and session ID, or nil.
func (m *Manager) Get(userID, sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// GetOrCreate returns the active session, creating it if needed. created
// reports whether a new session was registered.
func (m *Manager) GetOrCreate(userID, sessionID string) (s *Session, created bool) {
	if s := m.Get(userID, sessionID); s != nil {
		return s, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*Session)
	}
	if existing, exists := m.active[userID][sessionID]; exists {
		return existing, false
	}
	s = NewSession(Key(userID, sessionID), userID, m.now(), m.opts)
	m.active[userID][sessionID] = s
	m.logger.Info("Conversation session registered", "user_id", userID, "session_id", sessionID)
	return s, true
}

// Close removes a session.
func (m *Manager) Close(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if _, exists := sessions[sessionID]; exists {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			m.logger.Info("Conversation session closed", "user_id", userID, "session_id", sessionID)
		}
	}
}

// Sweep closes every session idle for longer than ttl and returns them.
func (m *Manager) Sweep(ttl time.Duration) []*Session {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Session
	for userID, sessions := range m.active {
		for sid, s := range sessions {
			if s.LastActive().Before(cutoff) {
				expired = append(expired, s)
				delete(sessions, sid)
			}
		}
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
	return expired
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
