// Package credential holds the session's access/refresh token pair and
// persists it through a pluggable durable backend.
package credential

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Credential is the token pair of the current session. An empty string
// means the token is absent; both empty is the anonymous state.
type Credential struct {
	AccessToken  string `json:"access"`
	RefreshToken string `json:"refresh"`
}

// HasAccess reports whether an access token is present.
func (c Credential) HasAccess() bool {
	return c.AccessToken != ""
}

// HasRefresh reports whether a refresh token is present.
func (c Credential) HasRefresh() bool {
	return c.RefreshToken != ""
}

// Backend is durable storage for a Credential. Load on an empty backend
// returns the zero Credential and no error.
type Backend interface {
	Load() (Credential, error)
	Save(cred Credential) error
	Clear() error
}

// Store is the single owner of the session credential. Every mutation
// replaces the whole value and is written through to the backend.
type Store struct {
	mu      sync.RWMutex
	cred    Credential
	backend Backend
	logger  *zap.Logger
}

// NewStore creates a store seeded from the backend's persisted state
func NewStore(backend Backend, logger *zap.Logger) (*Store, error) {
	cred, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	return &Store{
		cred:    cred,
		backend: backend,
		logger:  logger,
	}, nil
}

// Get returns a copy of the current credential
func (s *Store) Get() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// SetAccess replaces the access token, keeping the refresh token
func (s *Store) SetAccess(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replace(Credential{AccessToken: token, RefreshToken: s.cred.RefreshToken})
}

// SetAll replaces both tokens
func (s *Store) SetAll(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replace(Credential{AccessToken: access, RefreshToken: refresh})
}

// Clear drops both tokens, returning the store to the anonymous state
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = Credential{}
	if err := s.backend.Clear(); err != nil {
		s.logger.Error("failed to clear persisted credentials", zap.Error(err))
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	s.logger.Debug("credentials cleared")
	return nil
}

// replace must be called with mu held. The in-memory value is updated even
// when persisting fails so the running session stays consistent.
func (s *Store) replace(cred Credential) error {
	s.cred = cred
	if err := s.backend.Save(cred); err != nil {
		s.logger.Error("failed to persist credentials", zap.Error(err))
		return fmt.Errorf("failed to persist credentials: %w", err)
	}
	return nil
}
