package pairing

// Authenticate implements internal/gateway/websocket's Authenticator and
// internal/api's bearer-token middleware: any live device token resolves
// to the owner (spec §1 Non-goals: single-owner, "any valid token is the
// owner").
func (s *Store) Authenticate(token string) (userName string, ok bool) {
	name, found := s.DeviceName(token)
	if !found {
		return "", false
	}
	if name == "" {
		return "owner", true
	}
	return name, true
}
