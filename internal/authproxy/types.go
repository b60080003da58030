// Package authproxy implements the credential-substitution proxy (spec
// §4.8): a local HTTPS reverse proxy used only by spawned agent
// subprocesses. Agents are handed opaque stub credentials that resolve,
// through this proxy, back to the real provider tokens on file — the
// subprocess never sees a real API key.
package authproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/common/logger"
)

// Credential is one provider's stored token, as read from the on-disk
// credentials file.
type Credential struct {
	Type    string          `json:"type"`
	Access  string          `json:"access"`
	Refresh string          `json:"refresh,omitempty"`
	Expires int64           `json:"expires"` // unix millis; 0 = never
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// Expired reports whether the credential's expiry has passed as of now.
func (c Credential) Expired(now time.Time) bool {
	return c.Expires != 0 && now.UnixMilli() >= c.Expires
}

// credentialFile is the on-disk shape: one Credential per provider name.
type credentialFile map[string]Credential

// Store holds the loaded credential file plus the set of sessions
// currently permitted to draw on it.
type Store struct {
	path string

	mu          sync.RWMutex
	credentials credentialFile
	sessions    map[string]struct{}

	logger *logger.Logger
}

// NewStore loads path and returns a ready Store. A missing file is not an
// error — it starts empty, since subprocesses for providers with no
// configured credential simply can't authenticate through the proxy.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		sessions: make(map[string]struct{}),
		logger:   log.WithFields(zap.String("component", "authproxy_store")),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.credentials = make(credentialFile)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("authproxy: read credentials file: %w", err)
	}

	var parsed credentialFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("authproxy: parse credentials file: %w", err)
	}

	s.mu.Lock()
	s.credentials = parsed
	s.mu.Unlock()
	return nil
}

// ReloadAuth atomically re-reads the credentials file (spec §4.8
// "reloadAuth() re-reads the credentials file atomically").
func (s *Store) ReloadAuth(ctx context.Context) error {
	if err := s.reload(); err != nil {
		return err
	}
	s.logger.Info("credentials reloaded")
	return nil
}

// Credential returns provider's current token, or ok=false if unconfigured.
func (s *Store) Credential(provider string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[provider]
	return cred, ok
}

// RegisterSession admits sessionID to draw on proxied credentials.
func (s *Store) RegisterSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = struct{}{}
}

// RemoveSession revokes sessionID's access.
func (s *Store) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// SessionRegistered reports whether sessionID is currently permitted.
func (s *Store) SessionRegistered(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}
