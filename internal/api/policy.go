package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/duh17/oppi-sub004/internal/policy"
)

type createPolicyRuleRequest struct {
	ToolSelector string `json:"toolSelector"`
	Decision     string `json:"decision"`
	Executable   string `json:"executable,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	Scope        string `json:"scope"`
	WorkspaceID  string `json:"workspaceId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Label        string `json:"label,omitempty"`
}

func (s *Server) handleListPolicyRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": s.rules.List()})
}

func (s *Server) handleCreatePolicyRule(c *gin.Context) {
	var body createPolicyRuleRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.ToolSelector == "" {
		errJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "toolSelector is required")
		return
	}

	decision := policy.Action(body.Decision)
	switch decision {
	case policy.ActionAllow, policy.ActionAsk, policy.ActionDeny:
	default:
		errJSON(c, http.StatusBadRequest, "INVALID_DECISION", "decision must be one of: allow, ask, deny")
		return
	}

	scope := policy.Scope(body.Scope)
	switch scope {
	case policy.ScopeSession, policy.ScopeWorkspace, policy.ScopeGlobal:
	default:
		scope = policy.ScopeGlobal
	}

	rule := policy.Rule{
		ID:           ulid.Make().String(),
		ToolSelector: body.ToolSelector,
		Decision:     decision,
		Executable:   body.Executable,
		Pattern:      body.Pattern,
		Scope:        scope,
		WorkspaceID:  body.WorkspaceID,
		SessionID:    body.SessionID,
		Label:        body.Label,
	}
	s.rules.Put(rule)
	if err := s.store.PutPolicyRule(c.Request.Context(), rule); err != nil {
		s.logger.Sugar().Warnw("policy rule not persisted", "error", err, "rule", rule.ID)
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleDeletePolicyRule(c *gin.Context) {
	id := c.Param("id")
	s.rules.Delete(id)
	if err := s.store.DeletePolicyRule(c.Request.Context(), id); err != nil {
		s.logger.Sugar().Warnw("policy rule delete not persisted", "error", err, "rule", id)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePolicyAudit(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	switch {
	case c.Query("sessionId") != "":
		c.JSON(http.StatusOK, gin.H{"entries": s.audit.ForSession(c.Query("sessionId"), limit)})
	case c.Query("workspaceId") != "":
		c.JSON(http.StatusOK, gin.H{"entries": s.audit.ForWorkspace(c.Query("workspaceId"), limit)})
	default:
		errJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "sessionId or workspaceId query parameter is required")
	}
}

func (s *Server) handlePolicyProfile(c *gin.Context) {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()
	c.JSON(http.StatusOK, s.profile)
}

type updateSecurityProfileRequest struct {
	DefaultPreset          string `json:"defaultPreset"`
	ApprovalTimeoutSeconds int    `json:"approvalTimeoutSeconds"`
}

func (s *Server) handleUpdateSecurityProfile(c *gin.Context) {
	var body updateSecurityProfileRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed security profile")
		return
	}
	if body.DefaultPreset != "host" && body.DefaultPreset != "container" {
		errJSON(c, http.StatusBadRequest, "INVALID_PRESET", "defaultPreset must be one of: host, container")
		return
	}
	if body.ApprovalTimeoutSeconds < 0 {
		errJSON(c, http.StatusBadRequest, "INVALID_TIMEOUT", "approvalTimeoutSeconds must be non-negative")
		return
	}

	s.profileMu.Lock()
	s.profile = securityProfile{DefaultPreset: body.DefaultPreset, ApprovalTimeoutSeconds: body.ApprovalTimeoutSeconds}
	s.profileMu.Unlock()

	c.JSON(http.StatusOK, s.profile)
}
