package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/common/logger"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Authenticator validates the bearer token carried by a /stream upgrade
// request and resolves it to the paired user's display name. Decoupled from
// this package so the gateway doesn't need to know about invite/pairing.
type Authenticator interface {
	Authenticate(token string) (userName string, ok bool)
}

// Handler upgrades HTTP requests into multiplexed WS connections.
type Handler struct {
	hub    *Hub
	auth   Authenticator
	logger *logger.Logger
}

// NewHandler constructs a Handler bound to hub and auth.
func NewHandler(hub *Hub, auth Authenticator, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		auth:   auth,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Stream upgrades GET /stream into the single multiplexed socket (spec
// §4.3: "one socket per client, not one per session").
func (h *Handler) Stream(c *gin.Context) {
	token := bearerToken(c)
	userName, ok := h.auth.Authenticate(token)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"code":    "UNAUTHORIZED",
				"message": "invalid or missing bearer token",
			},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := newClient(clientID, userName, conn, h.hub, h.logger)
	h.hub.register(client)

	client.enqueue(protocol.NewStreamConnected(userName))

	go client.WritePump()
	go client.ReadPump(c.Request.Context())

	h.logger.Info("stream connected",
		zap.String("client_id", clientID),
		zap.String("user", userName),
	)
}

// SetupRoutes registers the single /stream endpoint.
func SetupRoutes(router gin.IRouter, handler *Handler) {
	router.GET("/stream", handler.Stream)
}

func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	auth := c.GetHeader("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
