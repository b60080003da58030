package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/duh17/oppi-sub004/internal/audit"
	"github.com/duh17/oppi-sub004/internal/policy"
)

// Namespaced key prefixes, per spec's on-disk state layout generalized
// into a flat keyspace: workspaces and sessions each get their own
// records/ prefix, policy rules and audit entries get their own.
const (
	workspacePrefix = "workspace:"
	sessionPrefix   = "session:"
	policyPrefix    = "policy:rule:"
	auditPrefix     = "audit:"
)

// Workspace is the persisted record behind spec's workspace entity: the
// identity and configuration that outlives any one session, as opposed to
// internal/workspace.Runtime's in-memory slot/lock accounting for the
// *current* process lifetime.
type Workspace struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RootPath      string    `json:"rootPath"`
	RuntimeKind   string    `json:"runtimeKind"` // "host" or "container"
	EnabledSkills []string  `json:"enabledSkills,omitempty"`
	PolicyPreset  string    `json:"policyPreset,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SessionRecord is the persisted summary of a session: enough to rebuild
// the sessions list across a server restart and to answer history
// queries. Live turn/event state lives only in internal/session's
// in-memory ring for the process that spawned it.
type SessionRecord struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// Accessors is the typed facade the rest of the module uses; it hides the
// JSON-blob-under-namespaced-key encoding from every other package.
type Accessors struct {
	store Store
}

// NewAccessors wraps a Store with typed Workspace/Session/PolicyRule/Audit
// read-write helpers.
func NewAccessors(store Store) *Accessors {
	return &Accessors{store: store}
}

// Raw returns the underlying Store, for callers (like theme storage) whose
// records have no server-side schema and so skip the typed accessors.
func (a *Accessors) Raw() Store {
	return a.store
}

func (a *Accessors) PutWorkspace(ctx context.Context, w Workspace) error {
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}
	return a.putJSON(ctx, workspacePrefix+w.ID, w)
}

func (a *Accessors) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	var w Workspace
	err := a.getJSON(ctx, workspacePrefix+id, &w)
	return w, err
}

func (a *Accessors) DeleteWorkspace(ctx context.Context, id string) error {
	return a.store.Delete(ctx, workspacePrefix+id)
}

func (a *Accessors) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	raw, err := a.store.List(ctx, workspacePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Workspace, 0, len(raw))
	for _, v := range raw {
		var w Workspace
		if err := json.Unmarshal(v, &w); err != nil {
			return nil, fmt.Errorf("storage: decode workspace: %w", err)
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *Accessors) PutSession(ctx context.Context, s SessionRecord) error {
	return a.putJSON(ctx, sessionPrefix+s.ID, s)
}

func (a *Accessors) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var s SessionRecord
	err := a.getJSON(ctx, sessionPrefix+id, &s)
	return s, err
}

func (a *Accessors) DeleteSession(ctx context.Context, id string) error {
	return a.store.Delete(ctx, sessionPrefix+id)
}

func (a *Accessors) ListSessionsForWorkspace(ctx context.Context, workspaceID string) ([]SessionRecord, error) {
	raw, err := a.store.List(ctx, sessionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]SessionRecord, 0)
	for _, v := range raw {
		var s SessionRecord
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, fmt.Errorf("storage: decode session: %w", err)
		}
		if s.WorkspaceID == workspaceID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PutPolicyRule persists a user-authored rule (spec §4.5's PolicyRule),
// keyed so workspace/global rules survive a restart alongside the
// in-memory policy.Engine's rule set, which reloads them at startup.
func (a *Accessors) PutPolicyRule(ctx context.Context, r policy.Rule) error {
	return a.putJSON(ctx, policyPrefix+r.ID, r)
}

func (a *Accessors) DeletePolicyRule(ctx context.Context, id string) error {
	return a.store.Delete(ctx, policyPrefix+id)
}

func (a *Accessors) ListPolicyRules(ctx context.Context) ([]policy.Rule, error) {
	raw, err := a.store.List(ctx, policyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]policy.Rule, 0, len(raw))
	for _, v := range raw {
		var r policy.Rule
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, fmt.Errorf("storage: decode policy rule: %w", err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AuditStore persists audit.Entry records and implements audit.Recorder,
// so the policy engine's audit trail survives a restart instead of living
// only in audit.MemoryLog.
type AuditStore struct {
	store Store
}

// NewAuditStore wraps a Store as an audit.Recorder.
func NewAuditStore(store Store) *AuditStore {
	return &AuditStore{store: store}
}

func (s *AuditStore) Record(e audit.Entry) {
	if e.ID == "" {
		e.ID = audit.NewEntryID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	blob, err := json.Marshal(e)
	if err != nil {
		return
	}
	// audit.Recorder.Record has no error return (spec treats audit writes
	// as best-effort, never blocking the decision path); a persistence
	// failure here is logged by the caller's wrapping collaborator, not
	// propagated.
	_ = s.store.Put(context.Background(), auditPrefix+e.ID, blob)
}

func (s *AuditStore) ForSession(sessionID string, limit int) []audit.Entry {
	return s.filter(limit, func(e audit.Entry) bool { return e.SessionID == sessionID })
}

func (s *AuditStore) ForWorkspace(workspaceID string, limit int) []audit.Entry {
	return s.filter(limit, func(e audit.Entry) bool { return e.WorkspaceID == workspaceID })
}

func (s *AuditStore) filter(limit int, pred func(audit.Entry) bool) []audit.Entry {
	raw, err := s.store.List(context.Background(), auditPrefix)
	if err != nil {
		return nil
	}
	matched := make([]audit.Entry, 0)
	for _, v := range raw {
		var e audit.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		if pred(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func (a *Accessors) putJSON(ctx context.Context, key string, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return a.store.Put(ctx, key, blob)
}

func (a *Accessors) getJSON(ctx context.Context, key string, v any) error {
	blob, err := a.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return nil
}

var _ audit.Recorder = (*AuditStore)(nil)
