package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi-sub004/internal/audit"
	"github.com/duh17/oppi-sub004/internal/policy"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

type fakeBroadcaster struct {
	mu   chan struct{}
	msgs []protocol.ServerMessage
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{mu: make(chan struct{}, 100)}
}

func (f *fakeBroadcaster) Broadcast(sessionID string, msg protocol.ServerMessage) {
	f.msgs = append(f.msgs, msg)
	f.mu <- struct{}{}
}

func TestGate_ImmediateAllowNeverGoesPending(t *testing.T) {
	store := policy.NewRuleStore()
	store.Put(policy.Rule{ID: "r1", ToolSelector: "read_file", Scope: policy.ScopeGlobal, Decision: policy.ActionAllow})
	engine := policy.NewEngine(store, "")
	log := audit.NewMemoryLog()
	g := New(engine, log, nil, nil)

	g.RegisterSession("s1", "w1")
	decision, err := g.Request(context.Background(), "s1", "w1", ToolCall{Tool: "read_file", Input: map[string]any{"path": "/x"}})
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAllow, decision.Action)
	assert.Empty(t, g.GetPendingForSession("s1"))

	entries := log.ForSession("s1", 10)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ResolvedByPolicy, entries[0].ResolvedBy)
}

func TestGate_AskGoesPendingAndResolves(t *testing.T) {
	engine := policy.NewEngine(policy.NewRuleStore(), "")
	log := audit.NewMemoryLog()
	bc := newFakeBroadcaster()
	g := New(engine, log, bc, nil)
	g.RegisterSession("s1", "w1")

	resultCh := make(chan policy.Decision, 1)
	go func() {
		d, err := g.Request(context.Background(), "s1", "w1", ToolCall{Tool: "policy.addRule", Input: map[string]any{}})
		require.NoError(t, err)
		resultCh <- d
	}()

	<-bc.mu // broadcast fired
	pending := g.GetPendingForSession("s1")
	require.Len(t, pending, 1)

	ok := g.ResolveDecision(pending[0].ID, ResolveAllow, ScopeOnce, "")
	require.True(t, ok)

	select {
	case d := <-resultCh:
		assert.Equal(t, policy.ActionAllow, d.Action)
	case <-time.After(time.Second):
		t.Fatal("Request did not resolve")
	}
	assert.Empty(t, g.GetPendingForSession("s1"))
}

func TestGate_ResolveDecisionAddsScopedRule(t *testing.T) {
	engine := policy.NewEngine(policy.NewRuleStore(), "")
	log := audit.NewMemoryLog()
	bc := newFakeBroadcaster()
	g := New(engine, log, bc, nil)
	g.RegisterSession("s1", "w1")

	go func() {
		_, _ = g.Request(context.Background(), "s1", "w1", ToolCall{Tool: "write_file", Input: map[string]any{"path": "/tmp/x"}})
	}()
	<-bc.mu
	pending := g.GetPendingForSession("s1")
	require.Len(t, pending, 1)

	require.True(t, g.ResolveDecision(pending[0].ID, ResolveAllow, ScopeGlobal, ""))

	rules := engine.Rules.List()
	require.Len(t, rules, 1)
	assert.Equal(t, policy.ScopeGlobal, rules[0].Scope)
	assert.Equal(t, "write_file", rules[0].ToolSelector)
}

func TestGate_DestroySessionCancelsAllPending(t *testing.T) {
	engine := policy.NewEngine(policy.NewRuleStore(), "")
	log := audit.NewMemoryLog()
	bc := newFakeBroadcaster()
	g := New(engine, log, bc, nil)
	g.RegisterSession("s1", "w1")

	done := make(chan policy.Decision, 1)
	go func() {
		d, _ := g.Request(context.Background(), "s1", "w1", ToolCall{Tool: "policy.x", Input: map[string]any{}})
		done <- d
	}()
	<-bc.mu

	g.DestroySession("s1")

	select {
	case d := <-done:
		assert.Equal(t, policy.ActionDeny, d.Action)
	case <-time.After(time.Second):
		t.Fatal("destroy did not resolve pending request")
	}
	assert.Empty(t, g.GetPendingForSession("s1"))
}

func TestGate_ExpiryResolvesDenyWithTimeoutReason(t *testing.T) {
	engine := policy.NewEngine(policy.NewRuleStore(), "")
	log := audit.NewMemoryLog()
	bc := newFakeBroadcaster()
	timeoutFor := func(workspaceID string) *int {
		ms := 10
		return &ms
	}
	g := New(engine, log, bc, timeoutFor)
	g.RegisterSession("s1", "w1")

	done := make(chan policy.Decision, 1)
	go func() {
		d, _ := g.Request(context.Background(), "s1", "w1", ToolCall{Tool: "policy.x", Input: map[string]any{}})
		done <- d
	}()
	<-bc.mu // permission_request

	select {
	case d := <-done:
		assert.Equal(t, policy.ActionDeny, d.Action)
		assert.Contains(t, d.Reason, "timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("expiry did not resolve request")
	}
	assert.Empty(t, g.GetPendingForSession("s1"))
}

func TestGate_ZeroTimeoutNeverExpires(t *testing.T) {
	engine := policy.NewEngine(policy.NewRuleStore(), "")
	log := audit.NewMemoryLog()
	bc := newFakeBroadcaster()
	timeoutFor := func(workspaceID string) *int {
		zero := 0
		return &zero
	}
	g := New(engine, log, bc, timeoutFor)
	g.RegisterSession("s1", "w1")

	go func() {
		_, _ = g.Request(context.Background(), "s1", "w1", ToolCall{Tool: "policy.x", Input: map[string]any{}})
	}()
	<-bc.mu

	time.Sleep(50 * time.Millisecond)
	pending := g.GetPendingForSession("s1")
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Expires)

	require.True(t, g.ResolveDecision(pending[0].ID, ResolveDeny, ScopeOnce, ""))
}
