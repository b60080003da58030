package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi-sub004/internal/audit"
	"github.com/duh17/oppi-sub004/internal/policy"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oppi.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_PutGetRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "workspace:w1", []byte(`{"id":"w1"}`)))

	got, err := store.Get(ctx, "workspace:w1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"w1"}`, string(got))
}

func TestSQLStore_GetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "workspace:absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_PutOverwritesExistingValue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v1")))
	require.NoError(t, store.Put(ctx, "k", []byte("v2")))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestSQLStore_DeleteRemovesKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_DeleteAbsentKeyIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Delete(context.Background(), "never-existed"))
}

func TestSQLStore_ListReturnsOnlyMatchingPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session:s1", []byte("a")))
	require.NoError(t, store.Put(ctx, "session:s2", []byte("b")))
	require.NoError(t, store.Put(ctx, "workspace:w1", []byte("c")))

	got, err := store.List(ctx, "session:")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got["session:s1"])
	assert.Equal(t, []byte("b"), got["session:s2"])
}

func TestAccessors_WorkspaceRoundTrips(t *testing.T) {
	store := newTestStore(t)
	a := NewAccessors(store)
	ctx := context.Background()

	w := Workspace{ID: "w1", Name: "demo", RootPath: "/home/user/demo", RuntimeKind: "host", CreatedAt: time.Now()}
	require.NoError(t, a.PutWorkspace(ctx, w))

	got, err := a.GetWorkspace(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.False(t, got.UpdatedAt.IsZero())

	list, err := a.ListWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "w1", list[0].ID)

	require.NoError(t, a.DeleteWorkspace(ctx, "w1"))
	_, err = a.GetWorkspace(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccessors_SessionsFilterByWorkspace(t *testing.T) {
	store := newTestStore(t)
	a := NewAccessors(store)
	ctx := context.Background()

	require.NoError(t, a.PutSession(ctx, SessionRecord{ID: "s1", WorkspaceID: "w1", Status: "running", CreatedAt: time.Now()}))
	require.NoError(t, a.PutSession(ctx, SessionRecord{ID: "s2", WorkspaceID: "w2", Status: "running", CreatedAt: time.Now()}))

	list, err := a.ListSessionsForWorkspace(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)
}

func TestAccessors_PolicyRuleRoundTrips(t *testing.T) {
	store := newTestStore(t)
	a := NewAccessors(store)
	ctx := context.Background()

	rule := policy.Rule{ID: "r1", ToolSelector: "bash", Decision: policy.ActionDeny, Scope: policy.ScopeGlobal}
	require.NoError(t, a.PutPolicyRule(ctx, rule))

	list, err := a.ListPolicyRules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, policy.ActionDeny, list[0].Decision)

	require.NoError(t, a.DeletePolicyRule(ctx, "r1"))
	list, err = a.ListPolicyRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAuditStore_RecordAndFilter(t *testing.T) {
	store := newTestStore(t)
	rec := NewAuditStore(store)

	rec.Record(audit.Entry{SessionID: "s1", WorkspaceID: "w1", Tool: "bash", Decision: policy.ActionDeny, Layer: policy.LayerGuardrail})
	rec.Record(audit.Entry{SessionID: "s2", WorkspaceID: "w1", Tool: "read_file", Decision: policy.ActionAllow, Layer: policy.LayerRule})

	bySession := rec.ForSession("s1", 0)
	require.Len(t, bySession, 1)
	assert.Equal(t, "bash", bySession[0].Tool)

	byWorkspace := rec.ForWorkspace("w1", 0)
	assert.Len(t, byWorkspace, 2)
}
