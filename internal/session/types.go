// Package session implements the Session Manager (spec §4.1): the
// per-session state machine, turn-delivery idempotency, graceful abort
// escalation, and the raw-agent-event-to-wire-protocol translator.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/duh17/oppi-sub004/internal/session/dedupe"
	"github.com/duh17/oppi-sub004/internal/session/ring"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// Status is a session's position in the state machine described in spec
// §4.1's diagram.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
	StatusEnded    Status = "ended"
	StatusError    Status = "error"
)

// RawEvent is one line of subprocess output, already shaped to the
// pi-events.json fixture the original agent speaks (spec §4.1 "Event
// translation"). Kind mirrors the upstream event's `type` field.
type RawEvent struct {
	Kind      string
	ToolCallID string
	MessageID string
	Text      string
	IsError   bool
	Details   string
	Input     []byte // raw JSON, forwarded verbatim into ToolStart.Input
	ExitCode  int
	Reason    string
	StopReason string
}

// Process is the subprocess-lifecycle collaborator a Runtime hands back
// after starting an agent. Container orchestration and the exact transport
// to the subprocess are out of this package's scope (spec §1 non-goals);
// Process is the named interface that scopes the boundary.
type Process interface {
	// Write sends a raw command line to the subprocess's stdin-equivalent
	// channel.
	Write(ctx context.Context, data []byte) error
	// Events streams RawEvents until the subprocess exits or ctx is done.
	Events() <-chan RawEvent
	// Signal delivers an abort/interrupt; implementations decide whether
	// this is a stdin message or a process signal.
	Signal(ctx context.Context, kind string) error
	// Kill forcefully terminates the subprocess.
	Kill(ctx context.Context) error
}

// Runtime starts agent subprocesses. The concrete implementation (docker,
// standalone, remote) is a collaborator outside this package's scope.
type Runtime interface {
	Start(ctx context.Context, spec SpawnSpec) (Process, error)
}

// SpawnSpec is everything a Runtime needs to start an agent subprocess.
type SpawnSpec struct {
	WorkspaceID   string
	SessionID     string
	WorkspacePath string
	Model         string
	Provider      string
	Credential    string
	Env           map[string]string
	// RuntimeKind is the owning workspace's "host" or "container" setting
	// (spec §4.6's Workspace.runtime). A Runtime that only implements one
	// shape can ignore this; the composition root's dispatching Runtime
	// uses it to pick which concrete Runtime actually handles the spawn.
	RuntimeKind string
}

// SpawnError distinguishes the reasons spawn can fail (spec §4.1).
type SpawnError struct {
	Code   string
	Detail string
}

func (e *SpawnError) Error() string { return e.Code + ": " + e.Detail }

const (
	SpawnErrSlotLimit          = "SLOT_LIMIT"
	SpawnErrCredentialsMissing = "CREDENTIALS_MISSING"
	SpawnErrSubprocessTimeout  = "SUBPROCESS_TIMEOUT"
	SpawnErrWorkspaceNotFound  = "WORKSPACE_NOT_FOUND"
)

// Subscriber receives every outbound ServerMessage for a session, already
// sequenced and ring-appended. Implementations (the WS multiplexer) must
// not block; they're expected to enqueue to their own outbound buffer.
type Subscriber func(msg protocol.ServerMessage)

// Session is a single live agent session: its state machine, event ring,
// turn dedupe cache, and subscriber set.
type Session struct {
	ID          string
	WorkspaceID string

	mu     sync.Mutex
	status Status
	proc   Process

	ring   *ring.Ring
	dedupe *dedupe.Cache

	subsMu sync.Mutex
	subs   map[int]Subscriber
	nextSubID int

	// pendingTurnStarts holds clientTurnIds in FIFO arrival order, awaiting
	// a matching agent turn_start event to transition dedupe stage to
	// started (spec §4.1 step 5).
	pendingMu         sync.Mutex
	pendingTurnStarts []string

	// translator state, scoped per spec.md §4.1 "Event translation":
	// {sessionId, partialResults, streamedAssistantText,
	// hasStreamedThinking, mobileRenderers?}.
	translator translatorState

	// abort escalation timers, guarded by mu.
	abortT1 *time.Timer
	abortT2 *time.Timer

	lastActivityAt time.Time

	thinkingMu    sync.Mutex
	thinkingLevel string
}

// rememberedThinkingLevel returns the last thinking level explicitly set on
// this session, or "" if none was ever set.
func (s *Session) rememberedThinkingLevel() string {
	s.thinkingMu.Lock()
	defer s.thinkingMu.Unlock()
	return s.thinkingLevel
}

// SetRememberedThinkingLevel records the session's current thinking level,
// so a subsequent set_model follow-up can re-apply it.
func (s *Session) SetRememberedThinkingLevel(level string) {
	s.thinkingMu.Lock()
	defer s.thinkingMu.Unlock()
	s.thinkingLevel = level
}

type translatorState struct {
	streamedAssistantText strings.Builder
	hasStreamedThinking   bool
	toolAccumulated       map[string]string // toolCallId -> last full text seen
}

func newSession(id, workspaceID string, ringCapacity int, dedupeCap int, dedupeTTL time.Duration) *Session {
	return &Session{
		ID:          id,
		WorkspaceID: workspaceID,
		status:      StatusStarting,
		ring:        ring.New(ringCapacity),
		dedupe:      dedupe.New(dedupeCap, dedupeTTL),
		subs:        make(map[int]Subscriber),
		translator:  translatorState{toolAccumulated: make(map[string]string)},
	}
}

// Status returns the session's current state-machine status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}
