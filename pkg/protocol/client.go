package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType is the closed set of frame discriminants a client may
// send. Adding a variant means adding both a const here and a case in
// DecodeClientMessage — the switch is exhaustive by construction, there is
// no default "pass through unknown fields" branch.
type ClientMessageType string

const (
	ClientSubscribe           ClientMessageType = "subscribe"
	ClientUnsubscribe         ClientMessageType = "unsubscribe"
	ClientGetState            ClientMessageType = "get_state"
	ClientPrompt              ClientMessageType = "prompt"
	ClientSteer               ClientMessageType = "steer"
	ClientFollowUp            ClientMessageType = "follow_up"
	ClientStop                ClientMessageType = "stop"
	ClientStopSession         ClientMessageType = "stop_session"
	ClientPermissionResponse  ClientMessageType = "permission_response"
	ClientExtensionUIResponse ClientMessageType = "extension_ui_response"
	ClientSetModel            ClientMessageType = "set_model"
	ClientSetThinkingLevel    ClientMessageType = "set_thinking_level"
	ClientFork                ClientMessageType = "fork"
)

// SubscriptionLevel controls how much of a session's event stream a
// subscriber receives.
type SubscriptionLevel string

const (
	LevelFull          SubscriptionLevel = "full"
	LevelNotifications SubscriptionLevel = "notifications"
)

// ClientMessage is implemented by every concrete client frame type. The
// marker method is unexported so no type outside this package can satisfy
// the interface — the union is closed.
type ClientMessage interface {
	clientMessage()
	MsgType() ClientMessageType
}

type base struct {
	Type      ClientMessageType `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
}

func (b base) MsgType() ClientMessageType { return b.Type }
func (base) clientMessage()                {}

// Subscribe asks to receive a session's events, optionally resuming from a
// prior sequence number.
type Subscribe struct {
	base
	SessionID string            `json:"sessionId"`
	Level     SubscriptionLevel `json:"level"`
	SinceSeq  *int64            `json:"sinceSeq,omitempty"`
}

// Unsubscribe drops a session subscription. Idempotent.
type Unsubscribe struct {
	base
	SessionID string `json:"sessionId"`
}

// GetState requests an immediate `state` snapshot for a subscribed session.
type GetState struct {
	base
	SessionID string `json:"sessionId"`
}

// TurnOptions carries the client-assigned idempotency key and streaming
// preference shared by Prompt, Steer, and FollowUp.
type TurnOptions struct {
	ClientTurnID       string `json:"clientTurnId"`
	StreamingBehavior  string `json:"streamingBehavior,omitempty"`
	Timestamp          int64  `json:"timestamp"`
}

// Prompt starts a new turn.
type Prompt struct {
	base
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Images    []string `json:"images,omitempty"`
	TurnOptions
}

// Steer redirects the agent mid-turn.
type Steer struct {
	base
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	TurnOptions
}

// FollowUp queues a prompt to run once the current turn ends.
type FollowUp struct {
	base
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	TurnOptions
}

// Stop requests graceful agent abort (escalating per spec §4.1 sendAbort).
type Stop struct {
	base
	SessionID string `json:"sessionId"`
}

// StopSession requests forceful session teardown.
type StopSession struct {
	base
	SessionID string `json:"sessionId"`
}

// PermissionResponse answers a pending tool-permission request.
type PermissionResponse struct {
	base
	SessionID string `json:"sessionId"`
	ID        string `json:"id"`
	Action    string `json:"action"` // allow | deny
	Scope     string `json:"scope"`  // once | session | workspace | global
	Pattern   string `json:"pattern,omitempty"`
}

// ExtensionUIResponse answers a pending extension_ui_request.
type ExtensionUIResponse struct {
	base
	SessionID string          `json:"sessionId"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SetModel is an RPC-style command forwarded to the agent subprocess.
type SetModel struct {
	base
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

// SetThinkingLevel is an RPC-style command forwarded to the agent subprocess.
type SetThinkingLevel struct {
	base
	SessionID string `json:"sessionId"`
	Level     string `json:"level"`
}

// Fork asks the session manager to branch a new session off the current one.
type Fork struct {
	base
	SessionID string `json:"sessionId"`
}

// DecodeClientMessage inspects the `type` discriminant and unmarshals into
// the matching concrete struct. Unknown types are a protocol violation, not
// a panic: the caller (the multiplexer) turns this error into an `error`
// frame or `command_result{success:false}` per spec §7.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	t, err := peekType(raw)
	if err != nil {
		return nil, err
	}

	switch ClientMessageType(t) {
	case ClientSubscribe:
		var m Subscribe
		return &m, unmarshalInto(raw, &m)
	case ClientUnsubscribe:
		var m Unsubscribe
		return &m, unmarshalInto(raw, &m)
	case ClientGetState:
		var m GetState
		return &m, unmarshalInto(raw, &m)
	case ClientPrompt:
		var m Prompt
		return &m, unmarshalInto(raw, &m)
	case ClientSteer:
		var m Steer
		return &m, unmarshalInto(raw, &m)
	case ClientFollowUp:
		var m FollowUp
		return &m, unmarshalInto(raw, &m)
	case ClientStop:
		var m Stop
		return &m, unmarshalInto(raw, &m)
	case ClientStopSession:
		var m StopSession
		return &m, unmarshalInto(raw, &m)
	case ClientPermissionResponse:
		var m PermissionResponse
		return &m, unmarshalInto(raw, &m)
	case ClientExtensionUIResponse:
		var m ExtensionUIResponse
		return &m, unmarshalInto(raw, &m)
	case ClientSetModel:
		var m SetModel
		return &m, unmarshalInto(raw, &m)
	case ClientSetThinkingLevel:
		var m SetThinkingLevel
		return &m, unmarshalInto(raw, &m)
	case ClientFork:
		var m Fork
		return &m, unmarshalInto(raw, &m)
	default:
		return nil, fmt.Errorf("protocol: unknown client message type %q", t)
	}
}

func unmarshalInto(raw []byte, v ClientMessage) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("protocol: invalid payload for %T: %w", v, err)
	}
	return nil
}
