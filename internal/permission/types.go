// Package permission implements the Permission Gate (spec §4.4): the
// rendezvous between an in-flight agent tool call and a human or
// policy-rule decision, with per-entry expiry and audit emission.
package permission

import (
	"encoding/json"
	"time"

	"github.com/duh17/oppi-sub004/internal/policy"
)

// ResolveScope is how far resolveDecision's implied PolicyRule (if any)
// should apply.
type ResolveScope string

const (
	ScopeOnce      ResolveScope = "once"
	ScopeSession   ResolveScope = "session"
	ScopeWorkspace ResolveScope = "workspace"
	ScopeGlobal    ResolveScope = "global"
)

// ResolveAction is the user's verdict on a pending permission.
type ResolveAction string

const (
	ResolveAllow ResolveAction = "allow"
	ResolveDeny  ResolveAction = "deny"
)

// ToolCall is the agent-facing request passed to Gate.Request.
type ToolCall struct {
	Tool       string
	Input      map[string]any
	ToolCallID string
}

// PendingPermission is a tool call awaiting a human decision.
type PendingPermission struct {
	ID             string
	SessionID      string
	WorkspaceID    string
	Tool           string
	Input          map[string]any
	DisplaySummary string
	Reason         string
	TimeoutAt      *time.Time
	Expires        bool
	Risk           string
}

// MarshalJSON renders TimeoutAt as epoch milliseconds, matching the wire
// protocol's PermissionRequest.TimeoutAtMs field.
func (p PendingPermission) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID             string `json:"id"`
		SessionID      string `json:"sessionId"`
		WorkspaceID    string `json:"workspaceId"`
		Tool           string `json:"tool"`
		DisplaySummary string `json:"displaySummary"`
		Reason         string `json:"reason"`
		TimeoutAtMs    *int64 `json:"timeoutAtMs,omitempty"`
		Expires        bool   `json:"expires"`
		Risk           string `json:"risk,omitempty"`
	}
	a := alias{
		ID: p.ID, SessionID: p.SessionID, WorkspaceID: p.WorkspaceID,
		Tool: p.Tool, DisplaySummary: p.DisplaySummary, Reason: p.Reason,
		Expires: p.Expires, Risk: p.Risk,
	}
	if p.TimeoutAt != nil {
		ms := p.TimeoutAt.UnixMilli()
		a.TimeoutAtMs = &ms
	}
	return json.Marshal(a)
}

// Resolution is what the awaiting agent-facing goroutine receives once a
// PendingPermission is resolved, by a user, a policy-immediate verdict, or
// an expiry timeout.
type Resolution struct {
	Decision policy.Decision
}
