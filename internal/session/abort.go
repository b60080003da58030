package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// ErrNothingToAbort is returned when SendAbort is called on a session that
// is not busy or already stopping.
var ErrNothingToAbort = errors.New("session: nothing to abort")

// SendAbort implements spec §4.1's graceful stop escalation. It returns
// ErrNothingToAbort if the session isn't busy/stopping, and is a no-op
// (beyond the already-pending escalation) if called again while stopping.
func (m *Manager) SendAbort(ctx context.Context, sessionID string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrNothingToAbort
	}

	return m.workspace.WithSessionLock(sessionID, func() error {
		status := s.Status()
		if status != StatusBusy && status != StatusStopping {
			return ErrNothingToAbort
		}
		if status == StatusStopping {
			// Already escalating; don't emit a duplicate stop_requested or
			// send a second abort for this call.
			return nil
		}

		s.setStatus(StatusStopping)
		s.Broadcast(&protocol.StopRequested{Source: "user"})

		if err := s.proc.Signal(ctx, "abort"); err != nil {
			m.logFor(s).Warn("abort signal failed", zap.Error(err))
		}

		s.mu.Lock()
		s.abortT1 = time.AfterFunc(m.cfg.StopAbortTimeout, func() {
			m.escalateAbort(s)
		})
		s.mu.Unlock()

		return nil
	})
}

// escalateAbort fires when T1 expires: a second, firmer abort is sent and
// T2 starts counting down to stop_failed.
func (m *Manager) escalateAbort(s *Session) {
	if s.Status() != StatusStopping {
		return
	}
	s.Broadcast(&protocol.StopRequested{Source: "server"})
	if err := s.proc.Signal(context.Background(), "interrupt"); err != nil {
		m.logFor(s).Warn("escalated abort signal failed", zap.Error(err))
	}

	s.mu.Lock()
	s.abortT2 = time.AfterFunc(m.cfg.StopAbortRetryTimeout, func() {
		m.failAbort(s)
	})
	s.mu.Unlock()
}

// failAbort fires when T2 expires without an agent_end: the session
// reverts to busy. Per spec, this timeout never tears the session down;
// the user must explicitly stop it.
func (m *Manager) failAbort(s *Session) {
	if s.Status() != StatusStopping {
		return
	}
	s.setStatus(StatusBusy)
	s.Broadcast(&protocol.StopFailed{})
}

// onAgentEndDuringStop cancels both abort timers and confirms the stop,
// called by the event translator when agent_end arrives while stopping.
func (s *Session) onAgentEndDuringStop() {
	s.mu.Lock()
	if s.abortT1 != nil {
		s.abortT1.Stop()
	}
	if s.abortT2 != nil {
		s.abortT2.Stop()
	}
	s.mu.Unlock()

	s.Broadcast(&protocol.StopConfirmed{})
	s.setStatus(StatusReady)
}
