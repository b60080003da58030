package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/common/logger"
	"github.com/duh17/oppi-sub004/internal/events"
	"github.com/duh17/oppi-sub004/internal/events/bus"
	"github.com/duh17/oppi-sub004/internal/permission"
	"github.com/duh17/oppi-sub004/internal/workspace"
)

var tracer = otel.Tracer("github.com/duh17/oppi-sub004/internal/session")

// CredentialResolver picks provider credentials for a workspace/session,
// hiding the details of the credential-substitution proxy from this
// package. Resolve also admits sessionID to draw on the proxy for the
// lifetime of the session; Release revokes that access on teardown.
type CredentialResolver interface {
	Resolve(ctx context.Context, workspaceID, sessionID, provider string) (credentialID string, err error)
	Release(sessionID string)
}

// Config bounds session-level resource usage.
type Config struct {
	RingCapacity         int
	DedupeCapacity       int
	DedupeTTL            time.Duration
	SpawnReadyTimeout    time.Duration
	StopAbortTimeout     time.Duration
	StopAbortRetryTimeout time.Duration
}

// Manager owns every live Session, mediating spawn/stop/turn delivery
// against the workspace runtime's slot accounting and the permission gate.
type Manager struct {
	cfg Config
	log *logger.Logger

	runtime     Runtime
	workspace   *workspace.Runtime
	permissions *permission.Gate
	credentials CredentialResolver
	bus         bus.EventBus

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a Manager.
func NewManager(cfg Config, log *logger.Logger, rt Runtime, ws *workspace.Runtime, gate *permission.Gate, creds CredentialResolver, b bus.EventBus) *Manager {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 500
	}
	if cfg.SpawnReadyTimeout <= 0 {
		cfg.SpawnReadyTimeout = 30 * time.Second
	}
	if cfg.StopAbortTimeout <= 0 {
		cfg.StopAbortTimeout = 5 * time.Second
	}
	if cfg.StopAbortRetryTimeout <= 0 {
		cfg.StopAbortRetryTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		log:         log,
		runtime:     rt,
		workspace:   ws,
		permissions: gate,
		credentials: creds,
		bus:         b,
		sessions:    make(map[string]*Session),
	}
}

// Get returns the live Session for id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every live session.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) emitWorkspaceEvent(ctx context.Context, subject, sessionID string) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(events.BuildSessionSubject(subject, sessionID), "session-manager", map[string]any{
		"sessionId": sessionID,
	})
	_ = m.bus.Publish(ctx, ev.Type, ev)
}

func (m *Manager) startSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("session_id", sessionID),
	))
}

func (m *Manager) logFor(s *Session) *logger.Logger {
	if m.log == nil {
		return logger.Default()
	}
	return m.log.WithFields(zap.String("session_id", s.ID), zap.String("workspace_id", s.WorkspaceID))
}

func (m *Manager) errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
