package pairing

import (
	"sync"
	"time"
)

// pendingToken is a server-issued pairing token awaiting a single redemption.
type pendingToken struct {
	expiresAt time.Time
	used      bool
}

// deviceRecord is an issued, long-lived device token.
type deviceRecord struct {
	deviceName string
	issuedAt   time.Time
}

// Store holds outstanding pairing tokens and issued device tokens.
// Single-owner: any device token is fully equivalent to the owner (spec
// §1 Non-goals: "multi-tenant auth").
type Store struct {
	mu      sync.Mutex
	pending map[string]*pendingToken
	devices map[string]deviceRecord
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		pending: make(map[string]*pendingToken),
		devices: make(map[string]deviceRecord),
	}
}

// IssuePairingToken mints a fresh pairing token valid for ttl, for display
// in an invite/QR flow.
func (s *Store) IssuePairingToken(ttl time.Duration) (string, error) {
	token, err := randomToken("")
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[token] = &pendingToken{expiresAt: time.Now().Add(ttl)}
	return token, nil
}

// redeem marks a pairing token used and reports whether it was valid
// (known, unused, unexpired) at the time of the call. Redemption is
// single-use: a replay of an already-used token is rejected (spec §6).
func (s *Store) redeem(token string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pt, ok := s.pending[token]
	if !ok || pt.used || now.After(pt.expiresAt) {
		return false
	}
	pt.used = true
	return true
}

// issueDeviceToken mints a long-lived device token for deviceName.
func (s *Store) issueDeviceToken(deviceName string) (string, error) {
	token, err := randomToken(DeviceTokenPrefix)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[token] = deviceRecord{deviceName: deviceName, issuedAt: time.Now()}
	return token, nil
}

// DeviceName reports the name a device token was issued under, for /me.
func (s *Store) DeviceName(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[token]
	return rec.deviceName, ok
}

// RevokeDeviceToken removes a device token (spec §6's DELETE /me/device-token).
func (s *Store) RevokeDeviceToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, token)
}
