package terminal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/clawinfra/sandboxgate/internal/security"
)

// Manager starts sessions and enforces the session limit.
type Manager struct {
	gate   *security.Gate
	logger *slog.Logger

	mu       sync.Mutex
	opts     Options
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(gate *security.Gate, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		gate:     gate,
		opts:     opts,
		logger:   logger.With("component", "terminal"),
		sessions: make(map[string]*Session),
	}
}

// SetOptions replaces the options used for sessions opened from now on.
func (m *Manager) SetOptions(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = opts
}

// Open starts a shell for caller in its sandbox root. The shell is killed
// when ctx is done.
func (m *Manager) Open(ctx context.Context, caller security.Caller) (*Session, error) {
	m.mu.Lock()
	opts := m.opts
	if opts.MaxSessions > 0 && len(m.sessions) >= opts.MaxSessions {
		m.mu.Unlock()
		m.logger.Warn("terminal session refused", "user", caller.UserID, "active", opts.MaxSessions)
		return nil, ErrTooManySessions
	}
	// Hold the lock so concurrent Opens cannot overshoot the limit.
	defer m.mu.Unlock()

	s, err := newSession(ctx, m.gate, caller, opts, m.logger)
	if err != nil {
		return nil, err
	}
	m.sessions[s.ID] = s
	s.release = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
	}
	return s, nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ForUser returns the IDs of userID's open sessions.
func (m *Manager) ForUser(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.Caller.UserID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
}
