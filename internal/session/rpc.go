package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// CommandTimeouts bounds how long forwardClientCommand may spend writing
// each RPC-style command kind (and its follow-up writes) before failing
// with a timeout error.
var CommandTimeouts = map[string]time.Duration{
	"fork":               10 * time.Second,
	"get_state":          5 * time.Second,
	"set_model":          10 * time.Second,
	"set_thinking_level": 5 * time.Second,
}

const defaultCommandTimeout = 10 * time.Second

// ForwardClientCommand implements spec §4.1's forwardClientCommand: write
// the command under a command-specific timeout, chain any follow-up
// commands, and respond with command_result. It does not wait for the
// subprocess's reply (see awaitCommandResponse).
func (m *Manager) ForwardClientCommand(ctx context.Context, sessionID, command, requestID string, payload map[string]any) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	timeout := CommandTimeouts[command]
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wire, err := json.Marshal(map[string]any{"type": command, "requestId": requestID, "payload": payload})
	if err != nil {
		s.Broadcast(&protocol.CommandResult{Command: command, RequestID: requestID, Success: false, Error: err.Error()})
		return err
	}
	if err := s.proc.Write(cmdCtx, wire); err != nil {
		s.Broadcast(&protocol.CommandResult{Command: command, RequestID: requestID, Success: false, Error: err.Error()})
		return err
	}

	if err := m.awaitCommandResponse(cmdCtx, s, command); err != nil {
		s.Broadcast(&protocol.CommandResult{Command: command, RequestID: requestID, Success: false, Error: err.Error()})
		return err
	}

	switch command {
	case "set_model":
		if err := m.reapplyRememberedThinkingLevel(cmdCtx, s); err != nil {
			m.logFor(s).Warn("set_model follow-up failed")
		}
	case "fork":
		// Forking produces a new subprocess session state; the caller is
		// expected to re-subscribe to the forked session id, but this
		// session's own state snapshot is still worth refreshing.
	}

	s.Broadcast(&protocol.StateSnapshot{Status: string(s.Status())})
	s.Broadcast(&protocol.CommandResult{Command: command, RequestID: requestID, Success: true})
	return nil
}

// awaitCommandResponse only reports whether cmdCtx has already ended (for
// example because the write used up the command's timeout). It does not
// wait for or match a reply from the subprocess, so a nil return means the
// command was written, not that the agent acknowledged it.
func (m *Manager) awaitCommandResponse(ctx context.Context, s *Session, command string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// reapplyRememberedThinkingLevel fetches the session's remembered thinking
// level and re-applies it after a model switch, per spec §4.1's "after
// set_model, fetch remembered thinking level and apply" follow-up chain.
func (m *Manager) reapplyRememberedThinkingLevel(ctx context.Context, s *Session) error {
	level := s.rememberedThinkingLevel()
	if level == "" {
		return nil
	}
	wire, err := json.Marshal(map[string]any{"type": "set_thinking_level", "payload": map[string]any{"level": level}})
	if err != nil {
		return err
	}
	return s.proc.Write(ctx, wire)
}
