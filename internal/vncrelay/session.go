package vncrelay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cmux-dev/gateway/internal/infrastructure/monitoring"
)

// SessionCookie is the cookie carrying the relay session id.
const SessionCookie = "cmux_vnc_session"

// gcInterval is the fixed sweep period for expired sessions.
const gcInterval = time.Hour

// Session is one authorized browser's handle on the relay.
type Session struct {
	ID        string
	Token     string
	CreatedAt time.Time
}

// SessionStore holds relay sessions in memory. Sessions expire by absolute
// TTL regardless of activity, and every validation re-checks the live secret
// so none of them survives a rotation.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	token    *AuthToken
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// NewSessionStore creates a store over the given token validator.
func NewSessionStore(token *AuthToken, ttl time.Duration, metrics *monitoring.Metrics) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		token:    token,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Mint creates a session for a presented token. The token must equal the
// live secret.
func (s *SessionStore) Mint(token string) (*Session, error) {
	if !s.token.Validate(token) {
		return nil, fmt.Errorf("invalid token")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("mint session id: %w", err)
	}

	session := &Session{
		ID:        hex.EncodeToString(raw),
		Token:     token,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.metrics.RelaySessionsActive.Inc()
	return session, nil
}

// Validate reports whether a session id names an unexpired session whose
// stored token still matches the current secret.
func (s *SessionStore) Validate(sessionID string) bool {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if s.now().Sub(session.CreatedAt) > s.ttl {
		return false
	}
	return s.token.Validate(session.Token)
}

// StartGC sweeps expired sessions on a fixed interval until ctx is done.
func (s *SessionStore) StartGC(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.prune()
			}
		}
	}()
}

func (s *SessionStore) prune() {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var expired int
	for id, session := range s.sessions {
		if session.CreatedAt.Before(cutoff) {
			delete(s.sessions, id)
			expired++
		}
	}
	s.mu.Unlock()

	for i := 0; i < expired; i++ {
		s.metrics.RelaySessionsActive.Dec()
	}
}

// Len reports the number of stored sessions, expired or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
