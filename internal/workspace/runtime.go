// Package workspace implements the Workspace Runtime (spec §4.6): the
// central resource coordinator owning per-workspace and per-session
// advisory locks, session-slot accounting, and idle teardown scheduling.
package workspace

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/common/logger"
)

// Resource-exhausted error classes (spec §7), surfaced at the REST layer as
// 429/409 and in-band as command_result failures.
var (
	ErrSessionLimitWorkspace = errors.New("SESSION_LIMIT_WORKSPACE")
	ErrSessionLimitGlobal    = errors.New("SESSION_LIMIT_GLOBAL")
	ErrDuplicateReservation  = errors.New("workspace: session already reserved")
)

// IdleStopFunc is invoked when a workspace's idle timer fires. Runtime does
// not itself stop containers; it calls back into whatever collaborator owns
// the container runtime.
type IdleStopFunc func(ctx context.Context, workspaceID string)

// containerRuntimeKind is the session.SpawnSpec.RuntimeKind value that
// counts toward idle-timer scheduling (spec §4.6 Data Model Invariant 6:
// an idle timer exists iff a workspace has zero live container-runtime
// sessions and has had at least one during this process's lifetime). Host
// sessions still occupy a slot for cap accounting but never arm or cancel
// the timer.
const containerRuntimeKind = "container"

func isContainerRuntimeKind(kind string) bool { return kind == containerRuntimeKind }

// Config bounds the runtime's slot accounting and idle scheduling.
type Config struct {
	MaxSessionsPerWorkspace int
	MaxSessionsGlobal       int
	IdleTimeout             time.Duration
}

// Runtime is the workspace-level resource coordinator described in spec
// §4.6. All exported methods are safe for concurrent use.
type Runtime struct {
	cfg    Config
	log    *logger.Logger
	onIdle IdleStopFunc

	mu         sync.Mutex // guards the maps below only, never held across fn()
	slots      map[string]map[string]string // workspaceId -> sessionId -> runtimeKind
	globalSize int
	idleTimers map[string]*time.Timer // workspaceId -> pending idle-stop timer
	// everHadContainer tracks, per workspace, whether a container-runtime
	// session has ever been reserved during this process's lifetime (spec
	// §4.6 Data Model Invariant 6's "has had ≥1 such session" clause).
	everHadContainer map[string]bool

	sessionLocks   map[string]*fifoMutex
	workspaceLocks map[string]*fifoMutex
}

// New constructs a Runtime. onIdle may be nil in tests that don't exercise
// idle teardown.
func New(cfg Config, log *logger.Logger, onIdle IdleStopFunc) *Runtime {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &Runtime{
		cfg:              cfg,
		log:              log,
		onIdle:           onIdle,
		slots:            make(map[string]map[string]string),
		idleTimers:       make(map[string]*time.Timer),
		everHadContainer: make(map[string]bool),
		sessionLocks:     make(map[string]*fifoMutex),
		workspaceLocks:   make(map[string]*fifoMutex),
	}
}

// ReserveSessionStart enforces the per-workspace cap, then the global cap,
// and rejects a duplicate reservation for a sessionId already held.
// runtimeKind is the session's owning workspace runtime ("host" or
// "container", per spec §4.6's Workspace.runtime); reserving a
// container-runtime session cancels any pending idle-stop timer for the
// workspace (spec §4.6: "Adding a container session cancels a pending
// workspace idle timer"). Host-runtime sessions still occupy a slot for cap
// accounting but never touch the idle timer.
func (r *Runtime) ReserveSessionStart(workspaceID, sessionID, runtimeKind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.slots[workspaceID]
	if !ok {
		set = make(map[string]string)
		r.slots[workspaceID] = set
	}
	if _, dup := set[sessionID]; dup {
		return ErrDuplicateReservation
	}

	if r.cfg.MaxSessionsPerWorkspace > 0 && len(set) >= r.cfg.MaxSessionsPerWorkspace {
		return ErrSessionLimitWorkspace
	}
	if r.cfg.MaxSessionsGlobal > 0 && r.globalSize >= r.cfg.MaxSessionsGlobal {
		return ErrSessionLimitGlobal
	}

	set[sessionID] = runtimeKind
	r.globalSize++

	if isContainerRuntimeKind(runtimeKind) {
		r.everHadContainer[workspaceID] = true
		if t, ok := r.idleTimers[workspaceID]; ok {
			t.Stop()
			delete(r.idleTimers, workspaceID)
		}
	}
	return nil
}

// ReleaseSession is idempotent: releasing an unreserved sessionId is a
// no-op. The runtime kind it was reserved under is recalled from the slot
// map, so callers don't have to re-supply it. An idle-stop timer is
// scheduled only when the session released was container-runtime, no
// container-runtime session remains for the workspace, and the workspace
// has had at least one container-runtime session during this process's
// lifetime (spec §4.6 Data Model Invariant 6).
func (r *Runtime) ReleaseSession(workspaceID, sessionID string) {
	r.mu.Lock()
	set, ok := r.slots[workspaceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	runtimeKind, present := set[sessionID]
	if !present {
		r.mu.Unlock()
		return
	}
	delete(set, sessionID)
	r.globalSize--

	containerRemains := false
	for _, kind := range set {
		if isContainerRuntimeKind(kind) {
			containerRemains = true
			break
		}
	}

	shouldArm := isContainerRuntimeKind(runtimeKind) && !containerRemains && r.everHadContainer[workspaceID]
	var (
		workspaceCopy = workspaceID
		timeout       = r.cfg.IdleTimeout
		onIdle        = r.onIdle
	)
	if shouldArm {
		if t, ok := r.idleTimers[workspaceID]; ok {
			t.Stop()
		}
		r.idleTimers[workspaceID] = time.AfterFunc(timeout, func() {
			if onIdle != nil {
				onIdle(context.Background(), workspaceCopy)
			}
		})
	}
	r.mu.Unlock()

	if r.log != nil {
		r.log.WithFields(zap.String("workspace_id", workspaceID), zap.String("session_id", sessionID)).
			Debug("released workspace session slot")
	}
}

// ActiveSessionCount returns the number of reserved sessions for a
// workspace. Intended for tests and diagnostics.
func (r *Runtime) ActiveSessionCount(workspaceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots[workspaceID])
}

// CancelIdleTimer stops a pending idle-stop timer for workspaceID without
// requiring a new session reservation. Exposed for callers (e.g. explicit
// workspace resume) that want to suppress a scheduled teardown.
func (r *Runtime) CancelIdleTimer(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.idleTimers[workspaceID]; ok {
		t.Stop()
		delete(r.idleTimers, workspaceID)
	}
}

// WithSessionLock runs fn while holding the advisory mutex for sessionID.
// Waiters are served FIFO; the lock releases on both normal return and
// panic unwind.
func (r *Runtime) WithSessionLock(sessionID string, fn func() error) error {
	return r.sessionLock(sessionID).run(fn)
}

// WithWorkspaceLock runs fn while holding the advisory mutex for
// workspaceID. Distinct workspaces never contend with each other.
func (r *Runtime) WithWorkspaceLock(workspaceID string, fn func() error) error {
	return r.workspaceLock(workspaceID).run(fn)
}

func (r *Runtime) sessionLock(id string) *fifoMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessionLocks[id]
	if !ok {
		m = newFIFOMutex()
		r.sessionLocks[id] = m
	}
	return m
}

func (r *Runtime) workspaceLock(id string) *fifoMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.workspaceLocks[id]
	if !ok {
		m = newFIFOMutex()
		r.workspaceLocks[id] = m
	}
	return m
}

// fifoMutex is a ticket-lock serving waiters in strict arrival order, unlike
// sync.Mutex whose wake order is unspecified under contention.
type fifoMutex struct {
	mu      sync.Mutex
	queue   *list.List
	holding bool
}

func newFIFOMutex() *fifoMutex {
	return &fifoMutex{queue: list.New()}
}

func (m *fifoMutex) run(fn func() error) (err error) {
	ch := make(chan struct{})
	m.mu.Lock()
	if !m.holding && m.queue.Len() == 0 {
		m.holding = true
		m.mu.Unlock()
	} else {
		el := m.queue.PushBack(ch)
		m.mu.Unlock()
		<-ch
		m.mu.Lock()
		m.queue.Remove(el)
		m.mu.Unlock()
	}

	defer func() {
		m.mu.Lock()
		if front := m.queue.Front(); front != nil {
			next := front.Value.(chan struct{})
			close(next)
		} else {
			m.holding = false
		}
		m.mu.Unlock()
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	return fn()
}
