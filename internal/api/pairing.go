package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/duh17/oppi-sub004/internal/pairing"
)

type pairRequest struct {
	PairingToken string `json:"pairingToken"`
	DeviceName   string `json:"deviceName"`
}

// handlePair implements spec §6's pairing flow: unauthenticated exchange of
// a short-lived pairing token for a long-lived device token.
func (s *Server) handlePair(c *gin.Context) {
	var body pairRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		errJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed pairing request")
		return
	}

	deviceToken, err := s.exchanger.Exchange(body.PairingToken, body.DeviceName)
	switch {
	case errors.Is(err, pairing.ErrRateLimited):
		errJSON(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many invalid pairing attempts")
	case errors.Is(err, pairing.ErrInvalidToken):
		errJSON(c, http.StatusUnauthorized, "INVALID_PAIRING_TOKEN", "invalid or expired pairing token")
	case err != nil:
		errJSON(c, http.StatusInternalServerError, "PAIRING_FAILED", err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"deviceToken": deviceToken})
	}
}

type deviceTokenRequest struct {
	DeviceToken string `json:"deviceToken"`
}

// handleRegisterDeviceToken is a push-notification registration stub: the
// push bridge itself is out of scope (spec §1 Non-goals), but the endpoint
// still needs to exist so clients can register without a 404.
func (s *Server) handleRegisterDeviceToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func (s *Server) handleRevokeDeviceToken(c *gin.Context) {
	var body deviceTokenRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.DeviceToken == "" {
		errJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "deviceToken is required")
		return
	}
	s.pairing.RevokeDeviceToken(body.DeviceToken)
	c.Status(http.StatusNoContent)
}
