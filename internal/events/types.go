// Package events provides event subject names for the optional cross-process
// observability bus. This is distinct from the in-process session broadcast
// (internal/session/ring plus subscriber fan-out), which is what the WS
// multiplexer actually streams to clients; this bus exists so a second
// process on the same host (e.g. a push-notification bridge) can observe
// session/workspace/permission lifecycle without attaching to the stream.
package events

// Subjects for session lifecycle.
const (
	SessionStarting = "session.starting"
	SessionReady    = "session.ready"
	SessionBusy     = "session.busy"
	SessionStopping = "session.stopping"
	SessionEnded    = "session.ended"
	SessionError    = "session.error"
)

// Subjects for workspace lifecycle.
const (
	WorkspaceSessionStarted = "workspace.session_started"
	WorkspaceSessionEnded   = "workspace.session_ended"
	WorkspaceIdle           = "workspace.idle"
)

// Subjects for the permission gate.
const (
	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
	PermissionExpired   = "permission.expired"
)

// BuildSessionSubject scopes a session subject to a specific session id.
func BuildSessionSubject(subject, sessionID string) string {
	return subject + "." + sessionID
}
