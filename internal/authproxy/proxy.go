package authproxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/common/logger"
)

// Proxy is the local reverse proxy agent subprocesses are pointed at
// instead of the real provider hosts.
type Proxy struct {
	store     *Store
	providers []Provider
	logger    *logger.Logger
}

// NewProxy constructs a Proxy serving the given providers against store.
func NewProxy(store *Store, providers []Provider, log *logger.Logger) *Proxy {
	return &Proxy{
		store:     store,
		providers: providers,
		logger:    log.WithFields(zap.String("component", "authproxy")),
	}
}

// ServeHTTP implements the routing/auth/rewrite pipeline spec §4.8 lays
// out: match route, extract session, check registration, load credential,
// rewrite URL, inject headers, proxy bidirectionally.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, `{"ok":true}`)
		return
	}

	provider, rest, ok := p.match(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	sessionID, ok := provider.ExtractSessionID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, `{"error":"unauthorized"}`)
		return
	}

	if !p.store.SessionRegistered(sessionID) {
		writeJSON(w, http.StatusForbidden, `{"error":"forbidden"}`)
		return
	}

	cred, ok := p.store.Credential(provider.Name)
	if !ok {
		writeJSON(w, http.StatusBadGateway, `{"error":"no credential configured"}`)
		return
	}
	if cred.Expired(time.Now()) {
		writeJSON(w, http.StatusBadGateway, `{"error":"credential expired"}`)
		return
	}

	target, err := url.Parse(provider.BaseURL)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, `{"error":"bad upstream"}`)
		return
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = joinPath(target.Path, rest)
			req.Host = target.Host
			provider.InjectHeaders(req, cred)
		},
		ErrorLog: nil,
	}
	rp.ServeHTTP(w, r)

	p.logger.Debug("proxied request",
		zap.String("provider", provider.Name),
		zap.String("session_id", sessionID),
		zap.String("path", r.URL.Path),
	)
}

func (p *Proxy) match(path string) (Provider, string, bool) {
	for _, provider := range p.providers {
		if path == provider.Prefix || strings.HasPrefix(path, provider.Prefix+"/") {
			rest := strings.TrimPrefix(path, provider.Prefix)
			return provider, rest, true
		}
	}
	return Provider{}, "", false
}

// joinPath joins a provider base path (e.g. "/backend-api") with the
// stripped route remainder, preserving provider-specific base prefixes.
func joinPath(base, rest string) string {
	base = strings.TrimSuffix(base, "/")
	if rest == "" {
		return base
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return base + rest
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
