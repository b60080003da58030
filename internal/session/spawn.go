package session

import (
	"context"
	"errors"
	"os"

	"github.com/duh17/oppi-sub004/internal/workspace"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// SpawnRequest is the input to Spawn.
type SpawnRequest struct {
	WorkspaceID   string
	SessionID     string
	WorkspacePath string
	Model         string
	Provider      string
	RuntimeKind   string
}

// Spawn implements spec §4.1's spawn operation: allocate slots, resolve
// credentials, start the subprocess, and wait for its ready sentinel before
// registering the session as active.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	if _, err := os.Stat(req.WorkspacePath); err != nil {
		return nil, &SpawnError{Code: SpawnErrWorkspaceNotFound, Detail: req.WorkspacePath}
	}

	if err := m.workspace.ReserveSessionStart(req.WorkspaceID, req.SessionID, req.RuntimeKind); err != nil {
		code := SpawnErrSlotLimit
		switch {
		case errors.Is(err, workspace.ErrSessionLimitWorkspace):
			code = "SESSION_LIMIT_WORKSPACE"
		case errors.Is(err, workspace.ErrSessionLimitGlobal):
			code = "SESSION_LIMIT_GLOBAL"
		}
		return nil, &SpawnError{Code: code, Detail: err.Error()}
	}

	credentialID, err := m.resolveCredential(ctx, req.WorkspaceID, req.SessionID, req.Provider)
	if err != nil {
		m.workspace.ReleaseSession(req.WorkspaceID, req.SessionID)
		return nil, &SpawnError{Code: SpawnErrCredentialsMissing, Detail: err.Error()}
	}

	s := newSession(req.SessionID, req.WorkspaceID, m.cfg.RingCapacity, m.cfg.DedupeCapacity, m.cfg.DedupeTTL)

	proc, err := m.runtime.Start(ctx, SpawnSpec{
		WorkspaceID:   req.WorkspaceID,
		SessionID:     req.SessionID,
		WorkspacePath: req.WorkspacePath,
		Model:         req.Model,
		Provider:      req.Provider,
		Credential:    credentialID,
		RuntimeKind:   req.RuntimeKind,
	})
	if err != nil {
		m.workspace.ReleaseSession(req.WorkspaceID, req.SessionID)
		return nil, &SpawnError{Code: "SUBPROCESS_START_FAILED", Detail: err.Error()}
	}
	s.proc = proc

	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.SpawnReadyTimeout)
	defer cancel()
	if err := waitForReady(readyCtx, proc); err != nil {
		_ = proc.Kill(context.Background())
		m.workspace.ReleaseSession(req.WorkspaceID, req.SessionID)
		return nil, &SpawnError{Code: SpawnErrSubprocessTimeout, Detail: err.Error()}
	}

	if m.permissions != nil {
		m.permissions.RegisterSession(req.SessionID, req.WorkspaceID)
	}

	m.register(s)
	s.setStatus(StatusReady)
	s.Broadcast(&protocol.AgentStart{})

	go m.pumpEvents(s)

	return s, nil
}

// waitForReady blocks until the subprocess's agent_ready sentinel line
// arrives on its event stream, or ctx is cancelled.
func waitForReady(ctx context.Context, proc Process) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-proc.Events():
			if !ok {
				return errors.New("session: subprocess closed before becoming ready")
			}
			if ev.Kind == "agent_ready" {
				return nil
			}
			// Any other event before ready is unexpected but non-fatal;
			// keep waiting for the sentinel.
		}
	}
}

func (m *Manager) resolveCredential(ctx context.Context, workspaceID, sessionID, provider string) (string, error) {
	if m.credentials == nil {
		return "", nil
	}
	return m.credentials.Resolve(ctx, workspaceID, sessionID, provider)
}

func (m *Manager) releaseCredential(sessionID string) {
	if m.credentials == nil {
		return
	}
	m.credentials.Release(sessionID)
}

// pumpEvents is the per-session goroutine that drains the subprocess's raw
// event stream through the translator and into Broadcast, until the
// subprocess exits.
func (m *Manager) pumpEvents(s *Session) {
	for ev := range s.proc.Events() {
		m.translate(s, ev)
	}
	// Events channel closed: subprocess exited on its own.
	if s.Status() != StatusEnded {
		s.setStatus(StatusEnded)
		s.Broadcast(&protocol.SessionEnded{Reason: "subprocess exited"})
		m.workspace.ReleaseSession(s.WorkspaceID, s.ID)
		m.unregister(s.ID)
	}
}
