package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handlePendingPermissions implements spec §6's `/permissions/pending`:
// returns a snapshot plus the server's clock so callers can reconcile
// timeoutAt against their own view of elapsed time. `sessionId` scopes to
// one session and 404s if unknown; otherwise returns every pending
// permission the owner can see.
func (s *Server) handlePendingPermissions(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID != "" {
		if _, ok := s.manager.Get(sessionID); !ok {
			errJSON(c, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"serverTime": time.Now().UnixMilli(),
			"pending":    s.gate.GetPendingForSession(sessionID),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"serverTime": time.Now().UnixMilli(),
		"pending":    s.gate.GetPendingForUser(),
	})
}
