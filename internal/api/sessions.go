package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/duh17/oppi-sub004/internal/session"
	"github.com/duh17/oppi-sub004/internal/storage"
)

type spawnSessionRequest struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	list, err := s.store.ListSessionsForWorkspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (s *Server) handleSpawnSession(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID := c.Param("id")

	w, err := s.store.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, storage.ErrNotFound) {
		errJSON(c, http.StatusNotFound, "WORKSPACE_NOT_FOUND", "no such workspace")
		return
	}
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	var body spawnSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed spawn request")
		return
	}

	sess, err := s.manager.Spawn(ctx, session.SpawnRequest{
		WorkspaceID:   workspaceID,
		SessionID:     uuid.New().String(),
		WorkspacePath: w.RootPath,
		Model:         body.Model,
		Provider:      body.Provider,
		RuntimeKind:   w.RuntimeKind,
	})
	if err != nil {
		writeSpawnError(c, err)
		return
	}

	record := storage.SessionRecord{
		ID:          sess.ID,
		WorkspaceID: sess.WorkspaceID,
		Provider:    body.Provider,
		Model:       body.Model,
		Status:      string(sess.Status()),
		CreatedAt:   time.Now(),
	}
	if err := s.store.PutSession(ctx, record); err != nil {
		s.logger.Sugar().Warnw("session persisted after spawn failed", "error", err, "session", sess.ID)
	}
	c.JSON(http.StatusOK, record)
}

func writeSpawnError(c *gin.Context, err error) {
	var spawnErr *session.SpawnError
	if !errors.As(err, &spawnErr) {
		errJSON(c, http.StatusInternalServerError, "SPAWN_FAILED", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch spawnErr.Code {
	case "SESSION_LIMIT_WORKSPACE", "SESSION_LIMIT_GLOBAL":
		status = http.StatusTooManyRequests
	case session.SpawnErrWorkspaceNotFound:
		status = http.StatusNotFound
	case session.SpawnErrCredentialsMissing:
		status = http.StatusBadGateway
	case session.SpawnErrSubprocessTimeout:
		status = http.StatusGatewayTimeout
	}
	errJSON(c, status, spawnErr.Code, spawnErr.Detail)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.manager.Get(c.Param("sid"))
	if !ok {
		errJSON(c, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// handleSessionEvents serves a bounded event-ring replay as a JSON array,
// the REST-layer counterpart to the WS multiplexer's subscribe/replay path
// (spec §6's `/events` accessor). `sinceSeq` defaults to 0 (full buffered
// history the ring still holds).
func (s *Server) handleSessionEvents(c *gin.Context) {
	sess, ok := s.manager.Get(c.Param("sid"))
	if !ok {
		errJSON(c, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
		return
	}

	sinceSeq := int64(0)
	if raw := c.Query("sinceSeq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			errJSON(c, http.StatusBadRequest, "INVALID_SINCE_SEQ", "sinceSeq must be a non-negative integer")
			return
		}
		sinceSeq = parsed
	}

	if c.Query("sinceSeq") != "" && !sess.CanServeSince(sinceSeq) {
		errJSON(c, http.StatusGone, "REPLAY_UNAVAILABLE", "requested sequence has fallen out of the event ring")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currentSeq": sess.CurrentSeq(),
		"events":     sess.ReplaySince(sinceSeq),
	})
}

func (s *Server) handleToolOutput(c *gin.Context) {
	s.forwardRPC(c, "get_tool_output", map[string]any{"toolCallId": c.Param("tid")})
}

func (s *Server) handleOverallDiff(c *gin.Context) {
	s.forwardRPC(c, "get_overall_diff", nil)
}

// handleSessionFiles forwards spec §6's `/files` accessor: the changed-file
// listing arrives asynchronously as a git_status frame (pkg/protocol's
// GitStatus.Files), the same async-result shape as /tool-output and
// /overall-diff.
func (s *Server) handleSessionFiles(c *gin.Context) {
	s.forwardRPC(c, "get_files", nil)
}

func (s *Server) handleStopSession(c *gin.Context) {
	sessionID := c.Param("sid")
	if err := s.manager.StopSession(c.Request.Context(), sessionID, "user_requested"); err != nil {
		errJSON(c, http.StatusInternalServerError, "STOP_FAILED", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResumeSession(c *gin.Context) {
	s.forwardRPC(c, "resume", nil)
}

func (s *Server) handleForkSession(c *gin.Context) {
	s.forwardRPC(c, "fork", nil)
}

// forwardRPC drives internal/session's request/response RPC path (the same
// mechanism the WS multiplexer's set_model/set_thinking_level/fork commands
// use) so REST accessors that need a live answer from the subprocess don't
// duplicate that plumbing.
func (s *Server) forwardRPC(c *gin.Context, command string, payload map[string]any) {
	sessionID := c.Param("sid")
	if _, ok := s.manager.Get(sessionID); !ok {
		errJSON(c, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
		return
	}
	requestID := uuid.New().String()
	if err := s.manager.ForwardClientCommand(c.Request.Context(), sessionID, command, requestID, payload); err != nil {
		errJSON(c, http.StatusBadGateway, "RPC_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"requestId": requestID})
}
