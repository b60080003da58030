package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/duh17/oppi-sub004/internal/storage"
)

type createWorkspaceRequest struct {
	Name          string   `json:"name"`
	RootPath      string   `json:"rootPath"`
	RuntimeKind   string   `json:"runtimeKind"`
	EnabledSkills []string `json:"enabledSkills,omitempty"`
	PolicyPreset  string   `json:"policyPreset,omitempty"`
}

func (s *Server) handleListWorkspaces(c *gin.Context) {
	list, err := s.store.ListWorkspaces(c.Request.Context())
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": list})
}

func (s *Server) handleCreateWorkspace(c *gin.Context) {
	var body createWorkspaceRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" || body.RootPath == "" {
		errJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "name and rootPath are required")
		return
	}
	if body.RuntimeKind == "" {
		body.RuntimeKind = "host"
	}

	w := storage.Workspace{
		ID:            uuid.New().String(),
		Name:          body.Name,
		RootPath:      body.RootPath,
		RuntimeKind:   body.RuntimeKind,
		EnabledSkills: body.EnabledSkills,
		PolicyPreset:  body.PolicyPreset,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := s.store.PutWorkspace(c.Request.Context(), w); err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleGetWorkspace(c *gin.Context) {
	w, err := s.store.GetWorkspace(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		errJSON(c, http.StatusNotFound, "WORKSPACE_NOT_FOUND", "no such workspace")
		return
	}
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleUpdateWorkspace(c *gin.Context) {
	ctx := c.Request.Context()
	existing, err := s.store.GetWorkspace(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		errJSON(c, http.StatusNotFound, "WORKSPACE_NOT_FOUND", "no such workspace")
		return
	}
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	var body createWorkspaceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed workspace update")
		return
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.RootPath != "" {
		existing.RootPath = body.RootPath
	}
	if body.RuntimeKind != "" {
		existing.RuntimeKind = body.RuntimeKind
	}
	if body.EnabledSkills != nil {
		existing.EnabledSkills = body.EnabledSkills
	}
	if body.PolicyPreset != "" {
		existing.PolicyPreset = body.PolicyPreset
	}
	existing.UpdatedAt = time.Now()

	if err := s.store.PutWorkspace(ctx, existing); err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, existing)
}

// handleDeleteWorkspace removes the persisted workspace record. It does not
// tear down live sessions; callers are expected to stop sessions first
// (spec's workspace mutex serializes workspace-level operations, but this
// handler intentionally stays out of that critical section since it only
// touches the identity record, not runtime slot state).
func (s *Server) handleDeleteWorkspace(c *gin.Context) {
	id := c.Param("id")
	if s.workspace.ActiveSessionCount(id) > 0 {
		errJSON(c, http.StatusConflict, "WORKSPACE_HAS_ACTIVE_SESSIONS", "stop all sessions before deleting a workspace")
		return
	}
	if err := s.store.DeleteWorkspace(c.Request.Context(), id); err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}
