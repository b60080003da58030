package authproxy

import "context"

// Resolver implements session.CredentialResolver against this proxy's
// Store: resolving a credential admits the session to the proxy and hands
// back the stub token the subprocess should present as its provider auth.
type Resolver struct {
	store     *Store
	providers map[string]Provider
}

// NewResolver builds a Resolver over the given providers, keyed by name.
func NewResolver(store *Store, providers []Provider) *Resolver {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}
	return &Resolver{store: store, providers: byName}
}

// Resolve registers sessionID with the proxy and builds its stub
// credential for provider (spec §4.8's buildStubAuth, invoked per session
// rather than once, since the stub token is always a function of the
// requesting sessionID).
func (r *Resolver) Resolve(ctx context.Context, workspaceID, sessionID, provider string) (string, error) {
	p, ok := r.providers[provider]
	if !ok {
		return "", nil
	}
	r.store.RegisterSession(sessionID)
	return p.BuildStub(sessionID)
}

// Release revokes sessionID's access to the proxy.
func (r *Resolver) Release(sessionID string) {
	r.store.RemoveSession(sessionID)
}

// BuildStubAuth produces the full synthetic credentials structure a spawned
// agent reads in place of real provider tokens, one stub per configured
// provider (spec §4.8).
func BuildStubAuth(sessionID string, providers []Provider) (map[string]string, error) {
	stubs := make(map[string]string, len(providers))
	for _, p := range providers {
		stub, err := p.BuildStub(sessionID)
		if err != nil {
			return nil, err
		}
		stubs[p.Name] = stub
	}
	return stubs, nil
}
