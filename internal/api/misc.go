package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/duh17/oppi-sub004/internal/common/httpmw"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": httpmw.UserFromContext(c)})
}

func (s *Server) handleServerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func errJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
