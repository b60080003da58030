package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// StopSession implements spec §4.1's forceful teardown: cancel idle timers,
// kill the subprocess, destroy the permission socket, drop the session from
// the active map, broadcast session_ended, and release workspace slots.
func (m *Manager) StopSession(ctx context.Context, sessionID, reason string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	err := m.workspace.WithSessionLock(sessionID, func() error {
		s.mu.Lock()
		if s.abortT1 != nil {
			s.abortT1.Stop()
		}
		if s.abortT2 != nil {
			s.abortT2.Stop()
		}
		proc := s.proc
		s.mu.Unlock()

		// Mark the session ended before the kill closes its event stream,
		// so pumpEvents does not report it as having exited on its own.
		s.setStatus(StatusEnded)
		if proc != nil {
			if err := proc.Kill(ctx); err != nil {
				m.logFor(s).Warn("kill subprocess during stop", zap.Error(err))
			}
		}

		if m.permissions != nil {
			m.permissions.DestroySession(sessionID)
		}

		s.Broadcast(&protocol.SessionEnded{Reason: reason})
		return nil
	})

	m.unregister(sessionID)
	m.workspace.ReleaseSession(s.WorkspaceID, sessionID)
	m.releaseCredential(sessionID)
	m.emitWorkspaceEvent(ctx, "workspace.session_ended", sessionID)

	return err
}

// StopWorkspaceSessions tears down every live session belonging to
// workspaceID. It is the workspace runtime's idle-timeout callback (spec
// §4.6): once a workspace's last session goes idle past its timeout, the
// workspace itself is torn down by ending whatever sessions remain.
func (m *Manager) StopWorkspaceSessions(ctx context.Context, workspaceID, reason string) {
	for _, s := range m.List() {
		if s.WorkspaceID != workspaceID {
			continue
		}
		if err := m.StopSession(ctx, s.ID, reason); err != nil {
			m.logFor(s).Warn("stop session during workspace idle teardown", zap.Error(err))
		}
	}
}
