package authproxy

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Provider describes one upstream route: how to recognize a subprocess's
// stub credential and how to substitute it for the real one before the
// request leaves this machine.
type Provider struct {
	Name string
	// Prefix is the path prefix this provider's routes are mounted under,
	// e.g. "/anthropic". Stripped before rewriting onto BaseURL.
	Prefix string
	// BaseURL is the real upstream host the stripped request is proxied to.
	BaseURL string

	// ExtractSessionID pulls the oppi session id out of the stub
	// credential the subprocess presents.
	ExtractSessionID func(r *http.Request) (sessionID string, ok bool)
	// InjectHeaders overwrites r's auth headers with the real credential
	// before it is forwarded upstream.
	InjectHeaders func(r *http.Request, cred Credential)
	// BuildStub produces the opaque credential this provider hands out
	// for a given session, to be written into the agent's stub auth file.
	BuildStub func(sessionID string) (string, error)
}

// DefaultProviders builds the provider set for the two upstreams spec §4.8
// names, configured from ProxyConfig's base URLs (the composition root's
// only touch point into this package's provider table).
func DefaultProviders(anthropicBaseURL, openAICodexBaseURL, chatGPTAccountID string) []Provider {
	return []Provider{
		anthropicProvider(anthropicBaseURL),
		openAICodexProvider(openAICodexBaseURL, chatGPTAccountID),
	}
}

const anthropicStubPrefix = "sk-ant-oat01-proxy-"

func anthropicProvider(baseURL string) Provider {
	return Provider{
		Name:    "anthropic",
		Prefix:  "/anthropic",
		BaseURL: baseURL,
		ExtractSessionID: func(r *http.Request) (string, bool) {
			token := bearerToken(r)
			if !strings.HasPrefix(token, anthropicStubPrefix) {
				return "", false
			}
			return strings.TrimPrefix(token, anthropicStubPrefix), true
		},
		InjectHeaders: func(r *http.Request, cred Credential) {
			r.Header.Set("authorization", "Bearer "+cred.Access)
			r.Header.Set("anthropic-beta", "oauth-2025-04-20")
			r.Header.Set("user-agent", "oppi-agent-proxy/1")
			r.Header.Set("x-app", "cli")
		},
		BuildStub: func(sessionID string) (string, error) {
			return anthropicStubPrefix + sessionID, nil
		},
	}
}

// codexStubSigningKey signs the minimally-valid JWTs this proxy hands
// subprocesses as stub credentials. It is never presented to the real
// provider — only decoded by this process's own extractor — so it can be
// process-local and ephemeral rather than a managed secret.
var codexStubSigningKey = []byte("oppi-authproxy-stub-key")

type codexStubClaims struct {
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	OppiSession      string `json:"oppi_session"`
	jwt.RegisteredClaims
}

func openAICodexProvider(baseURL, chatGPTAccountID string) Provider {
	return Provider{
		Name:    "openai-codex",
		Prefix:  "/openai-codex",
		BaseURL: baseURL,
		ExtractSessionID: func(r *http.Request) (string, bool) {
			token := bearerToken(r)
			if token == "" {
				return "", false
			}
			parsed, err := jwt.ParseWithClaims(token, &codexStubClaims{}, func(*jwt.Token) (any, error) {
				return codexStubSigningKey, nil
			})
			if err != nil || !parsed.Valid {
				return "", false
			}
			claims, ok := parsed.Claims.(*codexStubClaims)
			if !ok || claims.OppiSession == "" {
				return "", false
			}
			return claims.OppiSession, true
		},
		InjectHeaders: func(r *http.Request, cred Credential) {
			r.Header.Set("authorization", "Bearer "+cred.Access)
			r.Header.Set("user-agent", "oppi-agent-proxy/1")
			r.Header.Set("chatgpt-account-id", chatGPTAccountID)
		},
		BuildStub: func(sessionID string) (string, error) {
			claims := codexStubClaims{
				ChatGPTAccountID: chatGPTAccountID,
				OppiSession:      sessionID,
			}
			return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(codexStubSigningKey)
		},
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("authorization")
	if auth == "" {
		auth = r.Header.Get("Authorization")
	}
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
