package protocol

import "encoding/json"

// ServerMessageType is the closed set of frame discriminants the server may
// emit. This is the minimum set spec §6 requires; every variant below has a
// concrete struct so encoding never needs a generic map[string]any payload.
type ServerMessageType string

const (
	TypeStreamConnected        ServerMessageType = "stream_connected"
	TypeConnected              ServerMessageType = "connected"
	TypeState                  ServerMessageType = "state"
	TypeSessionEnded           ServerMessageType = "session_ended"
	TypeStopRequested          ServerMessageType = "stop_requested"
	TypeStopConfirmed          ServerMessageType = "stop_confirmed"
	TypeStopFailed             ServerMessageType = "stop_failed"
	TypeError                  ServerMessageType = "error"
	TypeAgentStart             ServerMessageType = "agent_start"
	TypeAgentEnd               ServerMessageType = "agent_end"
	TypeTurnStart              ServerMessageType = "turn_start"
	TypeTurnEnd                ServerMessageType = "turn_end"
	TypeMessageEnd             ServerMessageType = "message_end"
	TypeTextDelta              ServerMessageType = "text_delta"
	TypeThinkingDelta          ServerMessageType = "thinking_delta"
	TypeToolStart              ServerMessageType = "tool_start"
	TypeToolOutput             ServerMessageType = "tool_output"
	TypeToolEnd                ServerMessageType = "tool_end"
	TypeTurnAck                ServerMessageType = "turn_ack"
	TypeCommandResult          ServerMessageType = "command_result"
	TypeCompactionStart        ServerMessageType = "compaction_start"
	TypeCompactionEnd          ServerMessageType = "compaction_end"
	TypeRetryStart             ServerMessageType = "retry_start"
	TypeRetryEnd               ServerMessageType = "retry_end"
	TypePermissionRequest      ServerMessageType = "permission_request"
	TypePermissionExpired      ServerMessageType = "permission_expired"
	TypePermissionCancelled    ServerMessageType = "permission_cancelled"
	TypeExtensionUIRequest     ServerMessageType = "extension_ui_request"
	TypeExtensionUINotify      ServerMessageType = "extension_ui_notification"
	TypeGitStatus              ServerMessageType = "git_status"
)

// ServerMessage is implemented by every concrete outbound frame. Seq/Session
// are assigned by the event ring at broadcast time (see internal/session),
// not by the translator that builds the payload.
type ServerMessage interface {
	serverMessage()
	Kind() ServerMessageType
}

type serverBase struct {
	Type      ServerMessageType `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Seq       int64             `json:"seq,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix ms
}

func (b serverBase) Kind() ServerMessageType { return b.Type }
func (serverBase) serverMessage()            {}

// WithEnvelope sets session/seq/timestamp on msg in place and returns it.
// Used by the event ring when assigning the next seq to an outgoing frame.
func WithEnvelope(msg ServerMessage, sessionID string, seq int64, timestampMs int64) ServerMessage {
	switch m := msg.(type) {
	case *StreamConnected:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *Connected:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *StateSnapshot:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *SessionEnded:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *StopRequested:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *StopConfirmed:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *StopFailed:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *ErrorMessage:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *AgentStart:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *AgentEnd:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *TurnStart:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *TurnEnd:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *MessageEnd:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *TextDelta:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *ThinkingDelta:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *ToolStart:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *ToolOutput:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *ToolEnd:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *TurnAck:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *CommandResult:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *CompactionStart:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *CompactionEnd:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *RetryStart:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *RetryEnd:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *PermissionRequest:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *PermissionExpired:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *PermissionCancelled:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *ExtensionUIRequest:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *ExtensionUINotification:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	case *GitStatus:
		m.SessionID, m.Seq, m.Timestamp = sessionID, seq, timestampMs
		return m
	default:
		return msg
	}
}

// StampType fills in msg's "type" discriminant from its concrete Go type.
// Most frames are built by composite literal without setting Type
// (NewStreamConnected is the exception, and WithEnvelope only ever touches
// SessionID/Seq/Timestamp), so the last hop before encoding — Client.enqueueLocked in
// internal/gateway/websocket — calls this to make sure the wire "type"
// always matches the struct that produced it.
func StampType(msg ServerMessage) {
	switch m := msg.(type) {
	case *StreamConnected:
		m.Type = TypeStreamConnected
	case *Connected:
		m.Type = TypeConnected
	case *StateSnapshot:
		m.Type = TypeState
	case *SessionEnded:
		m.Type = TypeSessionEnded
	case *StopRequested:
		m.Type = TypeStopRequested
	case *StopConfirmed:
		m.Type = TypeStopConfirmed
	case *StopFailed:
		m.Type = TypeStopFailed
	case *ErrorMessage:
		m.Type = TypeError
	case *AgentStart:
		m.Type = TypeAgentStart
	case *AgentEnd:
		m.Type = TypeAgentEnd
	case *TurnStart:
		m.Type = TypeTurnStart
	case *TurnEnd:
		m.Type = TypeTurnEnd
	case *MessageEnd:
		m.Type = TypeMessageEnd
	case *TextDelta:
		m.Type = TypeTextDelta
	case *ThinkingDelta:
		m.Type = TypeThinkingDelta
	case *ToolStart:
		m.Type = TypeToolStart
	case *ToolOutput:
		m.Type = TypeToolOutput
	case *ToolEnd:
		m.Type = TypeToolEnd
	case *TurnAck:
		m.Type = TypeTurnAck
	case *CommandResult:
		m.Type = TypeCommandResult
	case *CompactionStart:
		m.Type = TypeCompactionStart
	case *CompactionEnd:
		m.Type = TypeCompactionEnd
	case *RetryStart:
		m.Type = TypeRetryStart
	case *RetryEnd:
		m.Type = TypeRetryEnd
	case *PermissionRequest:
		m.Type = TypePermissionRequest
	case *PermissionExpired:
		m.Type = TypePermissionExpired
	case *PermissionCancelled:
		m.Type = TypePermissionCancelled
	case *ExtensionUIRequest:
		m.Type = TypeExtensionUIRequest
	case *ExtensionUINotification:
		m.Type = TypeExtensionUINotify
	case *GitStatus:
		m.Type = TypeGitStatus
	}
}

// StreamConnected is the first frame sent on every new /stream connection.
type StreamConnected struct {
	serverBase
	UserName string `json:"userName"`
}

func NewStreamConnected(userName string) *StreamConnected {
	return &StreamConnected{serverBase: serverBase{Type: TypeStreamConnected}, UserName: userName}
}

// Connected acknowledges a subscribe with the session's current seq.
type Connected struct {
	serverBase
	CurrentSeq int64 `json:"currentSeq"`
}

// StateSnapshot is a full session state push.
type StateSnapshot struct {
	serverBase
	Status       string            `json:"status"`
	Model        string            `json:"model,omitempty"`
	Thinking     string            `json:"thinkingLevel,omitempty"`
	MessageCount int               `json:"messageCount"`
	InputTokens  int64             `json:"inputTokens"`
	OutputTokens int64             `json:"outputTokens"`
	CostUSD      float64           `json:"costUsd"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// SessionEnded announces teardown.
type SessionEnded struct {
	serverBase
	Reason string `json:"reason"`
}

// StopRequested/StopConfirmed/StopFailed track the abort escalation chain
// (spec §4.1 sendAbort).
type StopRequested struct {
	serverBase
	Source string `json:"source"` // user | server
}

type StopConfirmed struct{ serverBase }

type StopFailed struct{ serverBase }

// ErrorMessage is a protocol-violation or fatal notice.
type ErrorMessage struct {
	serverBase
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

type AgentStart struct{ serverBase }

type AgentEnd struct {
	serverBase
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason,omitempty"`
}

type TurnStart struct {
	serverBase
	ClientTurnID string `json:"clientTurnId,omitempty"`
}

type TurnEnd struct {
	serverBase
	StopReason string `json:"stopReason"`
}

type MessageEnd struct {
	serverBase
	MessageID string `json:"messageId"`
}

type TextDelta struct {
	serverBase
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

type ThinkingDelta struct {
	serverBase
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// ToolCallSegment carries an optional mobile-rendered styled segment
// (spec §9 "dynamic rendering sidecars" hook).
type ToolCallSegment struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type ToolStart struct {
	serverBase
	ToolCallID string            `json:"toolCallId"`
	Tool       string            `json:"tool"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Segments   []ToolCallSegment `json:"segments,omitempty"`
}

type ToolOutput struct {
	serverBase
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

type ToolEnd struct {
	serverBase
	ToolCallID string            `json:"toolCallId"`
	IsError    bool              `json:"isError"`
	Details    string            `json:"details,omitempty"`
	Segments   []ToolCallSegment `json:"segments,omitempty"`
}

// TurnAckStage is the monotonic stage enum for turn idempotency (spec §4.1,
// §9 "replace implicit ordering with explicit stage enums").
type TurnAckStage string

const (
	StageAccepted   TurnAckStage = "accepted"
	StageDispatched TurnAckStage = "dispatched"
	StageStarted    TurnAckStage = "started"
)

// stageOrder ranks stages for monotonic-progression checks.
var stageOrder = map[TurnAckStage]int{
	StageAccepted:   0,
	StageDispatched: 1,
	StageStarted:    2,
}

// LessThan reports whether s precedes other in the accepted<dispatched<started order.
func (s TurnAckStage) LessThan(other TurnAckStage) bool {
	return stageOrder[s] < stageOrder[other]
}

type TurnAck struct {
	serverBase
	ClientTurnID string       `json:"clientTurnId"`
	RequestID    string       `json:"requestId,omitempty"`
	Stage        TurnAckStage `json:"stage"`
	Duplicate    bool         `json:"duplicate"`
}

type CommandResult struct {
	serverBase
	Command   string          `json:"command"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type CompactionStart struct{ serverBase }
type CompactionEnd struct{ serverBase }

type RetryStart struct {
	serverBase
	Reason string `json:"reason,omitempty"`
}
type RetryEnd struct{ serverBase }

type PermissionRequest struct {
	serverBase
	ID              string `json:"id"`
	Tool            string `json:"tool"`
	DisplaySummary  string `json:"displaySummary"`
	Risk            string `json:"risk,omitempty"`
	TimeoutAtMs     *int64 `json:"timeoutAt,omitempty"`
	Expires         bool   `json:"expires"`
}

type PermissionExpired struct {
	serverBase
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type PermissionCancelled struct {
	serverBase
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type ExtensionUIRequest struct {
	serverBase
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ExtensionUINotification struct {
	serverBase
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type GitStatus struct {
	serverBase
	Branch   string   `json:"branch"`
	Ahead    int      `json:"ahead"`
	Behind   int      `json:"behind"`
	Dirty    bool     `json:"dirty"`
	Files    []string `json:"files,omitempty"`
}
