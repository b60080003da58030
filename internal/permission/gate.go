package permission

import (
	"context"
	"sync"
	"time"

	"github.com/duh17/oppi-sub004/internal/audit"
	"github.com/duh17/oppi-sub004/internal/policy"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

const defaultApprovalTimeoutMs = 120000

// Broadcaster pushes a server message to every subscriber of a session's
// event stream. Implemented by the WS multiplexer; kept as an interface
// here so this package never imports the gateway.
type Broadcaster interface {
	Broadcast(sessionID string, msg protocol.ServerMessage)
}

// WorkspaceTimeout resolves a workspace's configured approvalTimeoutMs. A
// nil return means "use the default"; a returned 0 means "never expires"
// (spec §9 Open Question 3).
type WorkspaceTimeout func(workspaceID string) *int

type pending struct {
	entry  PendingPermission
	result chan Resolution
	timer  *time.Timer
}

// Gate is the single rendezvous between agent tool calls and human or
// policy-rule decisions (spec §4.4).
type Gate struct {
	mu       sync.Mutex
	bySession map[string]map[string]*pending // sessionID -> id -> pending
	byID      map[string]*pending

	engine      *policy.Engine
	audit       audit.Recorder
	broadcaster Broadcaster
	timeoutFor  WorkspaceTimeout
}

// New constructs a Gate. timeoutFor may be nil, in which case every
// workspace uses the default timeout.
func New(engine *policy.Engine, log audit.Recorder, broadcaster Broadcaster, timeoutFor WorkspaceTimeout) *Gate {
	return &Gate{
		bySession:   make(map[string]map[string]*pending),
		byID:        make(map[string]*pending),
		engine:      engine,
		audit:       log,
		broadcaster: broadcaster,
		timeoutFor:  timeoutFor,
	}
}

// RegisterSession allocates per-session pending state. Idempotent.
func (g *Gate) RegisterSession(sessionID, workspaceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.bySession[sessionID]; !ok {
		g.bySession[sessionID] = make(map[string]*pending)
	}
}

// DestroySession drops all pending permissions for sessionID, resolving
// each awaiter with a synthetic cancellation.
func (g *Gate) DestroySession(sessionID string) {
	g.mu.Lock()
	entries := g.bySession[sessionID]
	delete(g.bySession, sessionID)
	var toCancel []*pending
	for id, p := range entries {
		toCancel = append(toCancel, p)
		delete(g.byID, id)
	}
	g.mu.Unlock()

	for _, p := range toCancel {
		p.timer.Stop()
		p.result <- Resolution{Decision: policy.Decision{
			Action: policy.ActionDeny,
			Reason: "cancelled: session destroyed",
			Layer:  policy.LayerFallback,
		}}
		close(p.result)
	}
}

// Request is the agent-facing call: it consults the policy engine and, if
// the engine returns allow/deny immediately, never goes pending. Otherwise
// it enqueues a PendingPermission, broadcasts permission_request, and
// blocks until resolved, expired, or ctx is cancelled.
func (g *Gate) Request(ctx context.Context, sessionID, workspaceID string, call ToolCall) (policy.Decision, error) {
	req := policy.Request{
		Tool:        call.Tool,
		Input:       call.Input,
		ToolCallID:  call.ToolCallID,
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
	}
	decision := g.engine.Evaluate(req)

	if decision.Action == policy.ActionAllow || decision.Action == policy.ActionDeny {
		g.recordAudit(sessionID, workspaceID, call, decision, audit.ResolvedByPolicy)
		return decision, nil
	}

	id := audit.NewEntryID()
	timeoutMs := g.resolveTimeoutMs(workspaceID)
	expires := timeoutMs > 0

	entry := PendingPermission{
		ID:             id,
		SessionID:      sessionID,
		WorkspaceID:    workspaceID,
		Tool:           call.Tool,
		Input:          call.Input,
		DisplaySummary: policy.FormatDisplaySummary(req),
		Reason:         decision.Reason,
		Expires:        expires,
	}
	if expires {
		t := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
		entry.TimeoutAt = &t
	}

	p := &pending{entry: entry, result: make(chan Resolution, 1)}

	g.mu.Lock()
	if _, ok := g.bySession[sessionID]; !ok {
		g.bySession[sessionID] = make(map[string]*pending)
	}
	g.bySession[sessionID][id] = p
	g.byID[id] = p
	if expires {
		p.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
			g.expire(id, "timeout")
		})
	} else {
		p.timer = time.NewTimer(0)
		p.timer.Stop()
	}
	g.mu.Unlock()

	if g.broadcaster != nil {
		g.broadcaster.Broadcast(sessionID, &protocol.PermissionRequest{
			ID:              entry.ID,
			Tool:            entry.Tool,
			DisplaySummary:  entry.DisplaySummary,
			Risk:            entry.Risk,
			TimeoutAtMs:     timeoutAtMs(entry.TimeoutAt),
			Expires:         entry.Expires,
		})
	}

	select {
	case <-ctx.Done():
		return policy.Decision{}, ctx.Err()
	case res := <-p.result:
		g.recordAudit(sessionID, workspaceID, call, res.Decision, resolvedByFor(res))
		return res.Decision, nil
	}
}

func resolvedByFor(res Resolution) audit.ResolvedBy {
	if res.Decision.Layer == policy.LayerFallback && res.Decision.Reason == "timeout" {
		return audit.ResolvedByTimeout
	}
	return audit.ResolvedByUser
}

func timeoutAtMs(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// ResolveDecision is the user's response to a pending permission. If scope
// is not "once" and action is allow, a corresponding PolicyRule is added at
// the requested scope.
func (g *Gate) ResolveDecision(id string, action ResolveAction, scope ResolveScope, pattern string) bool {
	g.mu.Lock()
	p, ok := g.byID[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.byID, id)
	if set, ok := g.bySession[p.entry.SessionID]; ok {
		delete(set, id)
	}
	g.mu.Unlock()

	p.timer.Stop()

	if scope != ScopeOnce && action == ResolveAllow {
		g.addRuleForScope(p.entry, scope, pattern)
	}

	decision := policy.Decision{
		Action: policy.Action(action),
		Reason: "resolved by user",
		Layer:  policy.LayerMetaTool,
	}
	p.result <- Resolution{Decision: decision}
	close(p.result)
	return true
}

func (g *Gate) addRuleForScope(entry PendingPermission, scope ResolveScope, pattern string) {
	rule := policy.Rule{
		ID:       audit.NewEntryID(),
		Decision: policy.ActionAllow,
		Pattern:  pattern,
		Label:    "granted via permission gate",
	}
	switch scope {
	case ScopeSession:
		rule.Scope = policy.ScopeSession
		rule.SessionID = entry.SessionID
	case ScopeWorkspace:
		rule.Scope = policy.ScopeWorkspace
		rule.WorkspaceID = entry.WorkspaceID
	case ScopeGlobal:
		rule.Scope = policy.ScopeGlobal
	}
	if entry.Tool == "bash" {
		if exe, _ := entry.Input["command"].(string); exe != "" {
			rule.Executable = firstWord(exe)
		}
	} else {
		rule.ToolSelector = entry.Tool
	}
	g.engine.Rules.Put(rule)
}

func firstWord(s string) string {
	for i, c := range s {
		if c == ' ' {
			return s[:i]
		}
	}
	return s
}

// GetPendingForUser returns every non-expired pending permission across all
// sessions (expiring entries are filtered at read time; non-expiring ones
// are always included).
func (g *Gate) GetPendingForUser() []PendingPermission {
	return g.filterPending(func(PendingPermission) bool { return true })
}

// GetPendingForSession filters to a single session.
func (g *Gate) GetPendingForSession(sessionID string) []PendingPermission {
	return g.filterPending(func(p PendingPermission) bool { return p.SessionID == sessionID })
}

// GetPendingForWorkspace filters to a single workspace.
func (g *Gate) GetPendingForWorkspace(workspaceID string) []PendingPermission {
	return g.filterPending(func(p PendingPermission) bool { return p.WorkspaceID == workspaceID })
}

func (g *Gate) filterPending(pred func(PendingPermission) bool) []PendingPermission {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PendingPermission, 0, len(g.byID))
	for _, p := range g.byID {
		if !pred(p.entry) {
			continue
		}
		if p.entry.Expires && p.entry.TimeoutAt != nil && now.After(*p.entry.TimeoutAt) {
			continue
		}
		out = append(out, p.entry)
	}
	return out
}

func (g *Gate) expire(id string, reason string) {
	g.mu.Lock()
	p, ok := g.byID[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.byID, id)
	if set, ok := g.bySession[p.entry.SessionID]; ok {
		delete(set, id)
	}
	g.mu.Unlock()

	if g.broadcaster != nil {
		g.broadcaster.Broadcast(p.entry.SessionID, &protocol.PermissionExpired{ID: id, Reason: reason})
	}

	decision := policy.Decision{Action: policy.ActionDeny, Reason: reason, Layer: policy.LayerFallback}
	p.result <- Resolution{Decision: decision}
	close(p.result)
}

func (g *Gate) resolveTimeoutMs(workspaceID string) int {
	if g.timeoutFor == nil {
		return defaultApprovalTimeoutMs
	}
	v := g.timeoutFor(workspaceID)
	if v == nil {
		return defaultApprovalTimeoutMs
	}
	return *v
}

func (g *Gate) recordAudit(sessionID, workspaceID string, call ToolCall, decision policy.Decision, resolvedBy audit.ResolvedBy) {
	if g.audit == nil {
		return
	}
	g.audit.Record(audit.Entry{
		SessionID:      sessionID,
		WorkspaceID:    workspaceID,
		Tool:           call.Tool,
		DisplaySummary: policy.FormatDisplaySummary(policy.Request{Tool: call.Tool, Input: call.Input}),
		Decision:       decision.Action,
		ResolvedBy:     resolvedBy,
		Layer:          decision.Layer,
		RuleID:         decision.RuleID,
	})
}
