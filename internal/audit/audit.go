// Package audit implements the AuditLog collaborator: every policy and
// permission decision is recorded as an AuditEntry, queryable in reverse
// chronological order (spec §4.4, §4.9 data model).
package audit

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/duh17/oppi-sub004/internal/policy"
)

// ResolvedBy records which collaborator produced the decision behind an
// AuditEntry.
type ResolvedBy string

const (
	ResolvedByPolicy  ResolvedBy = "policy"
	ResolvedByUser    ResolvedBy = "user"
	ResolvedByTimeout ResolvedBy = "timeout"
)

// Entry is the spec's AuditEntry: an immutable record of one tool-call
// decision, regardless of which policy layer produced it.
type Entry struct {
	ID              string
	Timestamp       time.Time
	SessionID       string
	WorkspaceID     string
	Tool            string
	DisplaySummary  string
	Decision        policy.Action
	ResolvedBy      ResolvedBy
	Layer           policy.Layer
	RuleID          string
}

// Recorder appends entries and answers reverse-chronological queries.
// Implementations must be safe for concurrent use.
type Recorder interface {
	Record(e Entry)
	ForSession(sessionID string, limit int) []Entry
	ForWorkspace(workspaceID string, limit int) []Entry
}

// MemoryLog is an in-process Recorder, the default until entries are
// persisted via internal/storage's Store.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// NewEntryID mints a fresh ulid for an AuditEntry, matching the id scheme
// spec §4.4 uses for PendingPermission.
func NewEntryID() string {
	return ulid.Make().String()
}

func (l *MemoryLog) Record(e Entry) {
	if e.ID == "" {
		e.ID = NewEntryID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *MemoryLog) ForSession(sessionID string, limit int) []Entry {
	return l.filter(limit, func(e Entry) bool { return e.SessionID == sessionID })
}

func (l *MemoryLog) ForWorkspace(workspaceID string, limit int) []Entry {
	return l.filter(limit, func(e Entry) bool { return e.WorkspaceID == workspaceID })
}

func (l *MemoryLog) filter(limit int, pred func(Entry) bool) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []Entry
	for _, e := range l.entries {
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
