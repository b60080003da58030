// Package api implements the REST surface described in spec §6: a bearer-
// authenticated HTTP API, mounted on the same port as the WS multiplexer,
// covering workspace/session CRUD, permission inspection, policy
// management, theme storage, and the pairing handshake.
package api

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/audit"
	"github.com/duh17/oppi-sub004/internal/common/httpmw"
	"github.com/duh17/oppi-sub004/internal/common/logger"
	"github.com/duh17/oppi-sub004/internal/pairing"
	"github.com/duh17/oppi-sub004/internal/permission"
	"github.com/duh17/oppi-sub004/internal/policy"
	"github.com/duh17/oppi-sub004/internal/session"
	"github.com/duh17/oppi-sub004/internal/storage"
	"github.com/duh17/oppi-sub004/internal/workspace"
)

// securityProfile is the mutable summary exposed by /policy/profile and
// /security/profile: the currently active preset and approval timeout,
// independent of any one workspace's override.
type securityProfile struct {
	DefaultPreset          string `json:"defaultPreset"`
	ApprovalTimeoutSeconds int    `json:"approvalTimeoutSeconds"`
}

// Server wires the session manager, permission gate, policy engine,
// storage accessors, and pairing collaborators into a gin.Engine.
type Server struct {
	manager   *session.Manager
	gate      *permission.Gate
	rules     *policy.RuleStore
	audit     audit.Recorder
	store     *storage.Accessors
	workspace *workspace.Runtime
	pairing   *pairing.Store
	exchanger *pairing.Exchanger
	logger    *logger.Logger
	startedAt time.Time
	version   string

	profileMu sync.RWMutex
	profile   securityProfile
}

// Deps groups Server's collaborators so NewServer's signature stays
// readable as the surface grows.
type Deps struct {
	Manager        *session.Manager
	Gate           *permission.Gate
	Rules          *policy.RuleStore
	Audit          audit.Recorder
	Store          *storage.Accessors
	Workspace      *workspace.Runtime
	Pairing        *pairing.Store
	Exchanger      *pairing.Exchanger
	Logger         *logger.Logger
	Version        string
	DefaultPreset  string
	ApprovalTimeoutSeconds int
}

func NewServer(d Deps) *Server {
	return &Server{
		manager:   d.Manager,
		gate:      d.Gate,
		rules:     d.Rules,
		audit:     d.Audit,
		store:     d.Store,
		workspace: d.Workspace,
		pairing:   d.Pairing,
		exchanger: d.Exchanger,
		logger:    d.Logger.WithFields(zap.String("component", "api")),
		startedAt: time.Now(),
		version:   d.Version,
		profile: securityProfile{
			DefaultPreset:          d.DefaultPreset,
			ApprovalTimeoutSeconds: d.ApprovalTimeoutSeconds,
		},
	}
}

// RegisterRoutes mounts every handler group onto router. router is expected
// to already carry the process-wide middleware (request logging, tracing,
// recovery); RegisterRoutes adds only the bearer-auth gate, applied to
// every route except /health and /pair.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", s.handleHealth)
	router.POST("/pair", s.handlePair)

	authed := router.Group("/")
	authed.Use(httpmw.BearerAuth(s.pairing))

	authed.GET("/me", s.handleMe)
	authed.GET("/server/info", s.handleServerInfo)

	authed.GET("/workspaces", s.handleListWorkspaces)
	authed.POST("/workspaces", s.handleCreateWorkspace)
	authed.GET("/workspaces/:id", s.handleGetWorkspace)
	authed.PUT("/workspaces/:id", s.handleUpdateWorkspace)
	authed.DELETE("/workspaces/:id", s.handleDeleteWorkspace)

	authed.GET("/workspaces/:id/sessions", s.handleListSessions)
	authed.POST("/workspaces/:id/sessions", s.handleSpawnSession)
	authed.GET("/workspaces/:id/sessions/:sid", s.handleGetSession)
	authed.GET("/workspaces/:id/sessions/:sid/events", s.handleSessionEvents)
	authed.GET("/workspaces/:id/sessions/:sid/files", s.handleSessionFiles)
	authed.GET("/workspaces/:id/sessions/:sid/tool-output/:tid", s.handleToolOutput)
	authed.GET("/workspaces/:id/sessions/:sid/overall-diff", s.handleOverallDiff)
	authed.POST("/workspaces/:id/sessions/:sid/stop", s.handleStopSession)
	authed.POST("/workspaces/:id/sessions/:sid/resume", s.handleResumeSession)
	authed.POST("/workspaces/:id/sessions/:sid/fork", s.handleForkSession)

	authed.GET("/permissions/pending", s.handlePendingPermissions)

	authed.GET("/policy/rules", s.handleListPolicyRules)
	authed.POST("/policy/rules", s.handleCreatePolicyRule)
	authed.DELETE("/policy/rules/:id", s.handleDeletePolicyRule)
	authed.GET("/policy/audit", s.handlePolicyAudit)
	authed.GET("/policy/profile", s.handlePolicyProfile)
	authed.PUT("/security/profile", s.handleUpdateSecurityProfile)

	authed.GET("/themes", s.handleListThemes)
	authed.GET("/themes/:name", s.handleGetTheme)
	authed.PUT("/themes/:name", s.handlePutTheme)
	authed.DELETE("/themes/:name", s.handleDeleteTheme)

	authed.POST("/me/device-token", s.handleRegisterDeviceToken)
	authed.DELETE("/me/device-token", s.handleRevokeDeviceToken)
}
