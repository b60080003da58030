// Package multiruntime dispatches a spawn to one of several concrete
// session.Runtime implementations by the owning workspace's runtime kind
// (spec §4.6's Workspace.runtime: "host" or "container"). The session
// package itself stays runtime-agnostic; this is the composition root's
// only point of runtime selection.
package multiruntime

import (
	"context"
	"fmt"

	"github.com/duh17/oppi-sub004/internal/session"
)

// Runtime routes Start to the backend registered for spec.RuntimeKind,
// falling back to Default when RuntimeKind is empty (workspaces created
// before this field existed, or callers that don't care).
type Runtime struct {
	backends map[string]session.Runtime
	Default  string
}

// New builds a Runtime. backends maps a RuntimeKind ("host", "container")
// to the session.Runtime that handles it; defaultKind is used when a spawn
// spec arrives with no RuntimeKind set.
func New(backends map[string]session.Runtime, defaultKind string) *Runtime {
	return &Runtime{backends: backends, Default: defaultKind}
}

var _ session.Runtime = (*Runtime)(nil)

func (r *Runtime) Start(ctx context.Context, spec session.SpawnSpec) (session.Process, error) {
	kind := spec.RuntimeKind
	if kind == "" {
		kind = r.Default
	}
	backend, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("multiruntime: no backend registered for runtime kind %q", kind)
	}
	return backend.Start(ctx, spec)
}
