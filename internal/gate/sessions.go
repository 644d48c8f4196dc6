package gate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// DefaultSessionTTL is how long a session stays valid after login.
const DefaultSessionTTL = 4 * time.Hour

const sessionTokenBytes = 32

// SessionManager issues and validates in-memory session tokens. Sessions do
// not survive a process restart.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]Session
	clock    Clock
	logger   Logger
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager(clock Clock, logger Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]Session),
		clock:    clock,
		logger:   logger,
	}
}

// Create issues a session bound to fingerprint. ttl <= 0 uses DefaultSessionTTL.
func (m *SessionManager) Create(fingerprint, clientName string, ttl time.Duration) (Session, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return Session{}, fmt.Errorf("generating session token: %w", err)
	}

	now := m.clock.Now()
	s := Session{
		Token:           base64.RawURLEncoding.EncodeToString(b),
		Fingerprint:     fingerprint,
		ClientName:      clientName,
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(ttl),
	}

	m.mu.Lock()
	m.sessions[s.Token] = s
	m.mu.Unlock()

	m.logger.Info("session created", "client", clientName, "fingerprint", fingerprint, "expires_at", s.ExpiresAt)
	return s, nil
}

// Validate returns the session for token. An expired session is purged and
// reported as unauthorized.
func (m *SessionManager) Validate(token string) (Session, error) {
	if token == "" {
		return Session{}, newError(KindUnauthorized, "missing session token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return Session{}, newError(KindUnauthorized, "invalid or expired session")
	}
	if !s.Valid(m.clock.Now()) {
		delete(m.sessions, token)
		m.logger.Info("session expired", "client", s.ClientName)
		return Session{}, newError(KindUnauthorized, "invalid or expired session")
	}
	return s, nil
}

// Revoke drops a single session. It returns false if the token was unknown.
func (m *SessionManager) Revoke(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[token]; !ok {
		return false
	}
	delete(m.sessions, token)
	return true
}

// RevokeAllFor drops every session bound to fingerprint and returns how many
// were removed.
func (m *SessionManager) RevokeAllFor(fingerprint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for token, s := range m.sessions {
		if s.Fingerprint == fingerprint {
			delete(m.sessions, token)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("sessions revoked", "fingerprint", fingerprint, "count", removed)
	}
	return removed
}

// ActiveCount returns the number of unexpired sessions.
func (m *SessionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, s := range m.sessions {
		if s.Valid(now) {
			n++
		}
	}
	return n
}

// Cleanup purges expired sessions and returns how many were removed.
func (m *SessionManager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for token, s := range m.sessions {
		if !s.Valid(now) {
			delete(m.sessions, token)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("cleaned up expired sessions", "removed", removed)
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (m *SessionManager) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}
