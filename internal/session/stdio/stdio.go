// Package stdio implements session.Runtime as a direct child process: it
// execs the provider's agent CLI for a workspace/session and translates its
// pi-events.json stdout lines into session.RawEvent. This is the "host"
// half of the Workspace.runtime enum (spec §4.6); internal/session/docker
// is the "container" half. A remote/SSH-backed runtime shape remains out of
// scope per DESIGN.md.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/duh17/oppi-sub004/internal/common/logger"
	"github.com/duh17/oppi-sub004/internal/session"
	"go.uber.org/zap"
)

// CommandResolver maps a provider name to the CLI binary and base args that
// launch its agent, the way lifecycle.CommandBuilder maps an agents.Agent to
// its invocation in the teacher. A small map covers the provider set spec
// §4.8 names (anthropic, openai-codex); unknown providers are a spawn error.
type CommandResolver func(provider, model, credential string) (name string, args []string, err error)

// DefaultCommandResolver covers the two providers internal/authproxy
// recognizes. Each agent CLI is expected to speak the pi-events.json line
// protocol on stdout and accept turn input as JSON lines on stdin.
func DefaultCommandResolver(provider, model, credential string) (string, []string, error) {
	switch provider {
	case "anthropic":
		args := []string{"--events-json", "--print"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return "claude-agent", args, nil
	case "openai-codex":
		args := []string{"--events-json"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return "codex-agent", args, nil
	default:
		return "", nil, fmt.Errorf("stdio: unknown provider %q", provider)
	}
}

// Runtime execs one subprocess per spawned session and implements
// session.Runtime.
type Runtime struct {
	resolve CommandResolver
	log     *logger.Logger
}

// New builds a Runtime. A nil resolver falls back to DefaultCommandResolver.
func New(resolve CommandResolver, log *logger.Logger) *Runtime {
	if resolve == nil {
		resolve = DefaultCommandResolver
	}
	return &Runtime{resolve: resolve, log: log.WithFields(zap.String("component", "stdio-runtime"))}
}

var _ session.Runtime = (*Runtime)(nil)

// Start execs the agent CLI with spec.Env on top of the host environment,
// working directory spec.WorkspacePath, and wires stdin/stdout into a
// *Process.
func (r *Runtime) Start(ctx context.Context, spec session.SpawnSpec) (session.Process, error) {
	name, args, err := r.resolve(spec.Provider, spec.Model, spec.Credential)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = spec.WorkspacePath
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if spec.Credential != "" {
		cmd.Env = append(cmd.Env, "OPPI_AGENT_CREDENTIAL="+spec.Credential)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio: stdout pipe: %w", err)
	}
	cmd.Stderr = &stderrLogger{log: r.log, sessionID: spec.SessionID}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio: start %s: %w", name, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan session.RawEvent, 64),
		log:    r.log,
	}
	go p.pump(stdout)
	return p, nil
}

// process adapts one running subprocess to session.Process.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan session.RawEvent
	log    *logger.Logger

	mu      sync.Mutex
	stdinMu sync.Mutex
}

func (p *process) Write(ctx context.Context, data []byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	_, err := p.stdin.Write(line)
	return err
}

func (p *process) Events() <-chan session.RawEvent {
	return p.events
}

// Signal writes a control line the agent CLI recognizes as an interrupt
// request rather than raising a process signal, keeping the same channel
// used for turn input (spec §4.3's graceful-abort path expects the agent to
// acknowledge via its own agent_end event, not die outright).
func (p *process) Signal(ctx context.Context, kind string) error {
	line, err := json.Marshal(map[string]string{"type": "control", "action": kind})
	if err != nil {
		return err
	}
	return p.Write(ctx, line)
}

func (p *process) Kill(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// pump scans stdout line by line, decoding each as a pi-events.json record
// and forwarding it as a RawEvent until the subprocess closes its pipe.
func (p *process) pump(stdout io.ReadCloser) {
	defer close(p.events)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw, err := DecodeWireEvent(line)
		if err != nil {
			p.log.Sugar().Warnw("stdio: malformed agent event line", "error", err, "line", string(line))
			continue
		}
		p.events <- raw
	}
	if err := p.cmd.Wait(); err != nil {
		p.log.Sugar().Debugw("stdio: agent process exited", "error", err)
	}
}

// wireEvent is one pi-events.json line as the agent CLIs emit it.
type wireEvent struct {
	Type       string          `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	MessageID  string          `json:"message_id"`
	Text       string          `json:"text"`
	IsError    bool            `json:"is_error"`
	Details    string          `json:"details"`
	Input      json.RawMessage `json:"input"`
	ExitCode   int             `json:"exit_code"`
	Reason     string          `json:"reason"`
	StopReason string          `json:"stop_reason"`
}

// DecodeWireEvent parses one pi-events.json line. Shared with
// internal/session/docker, which speaks the same wire protocol over a
// demultiplexed container attach stream instead of a plain stdout pipe.
func DecodeWireEvent(line []byte) (session.RawEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(line, &wire); err != nil {
		return session.RawEvent{}, err
	}
	return wire.toRawEvent(), nil
}

func (w wireEvent) toRawEvent() session.RawEvent {
	return session.RawEvent{
		Kind:       w.Type,
		ToolCallID: w.ToolCallID,
		MessageID:  w.MessageID,
		Text:       w.Text,
		IsError:    w.IsError,
		Details:    w.Details,
		Input:      w.Input,
		ExitCode:   w.ExitCode,
		Reason:     w.Reason,
		StopReason: w.StopReason,
	}
}

// stderrLogger routes an agent subprocess's stderr into structured logs
// instead of silently discarding it.
type stderrLogger struct {
	log       *logger.Logger
	sessionID string
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	l.log.Sugar().Warnw("agent stderr", "sessionId", l.sessionID, "output", string(p))
	return len(p), nil
}
