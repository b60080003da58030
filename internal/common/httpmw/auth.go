package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Authenticator resolves a bearer token to the paired owner's display name.
// Satisfied by internal/pairing.Store; duplicated here (rather than
// importing internal/pairing) to keep this middleware package dependency-free
// of the domain layer.
type Authenticator interface {
	Authenticate(token string) (userName string, ok bool)
}

const contextUserKey = "oppi.user"

// BearerAuth rejects requests without a valid device token, and stashes the
// resolved owner name in the gin context for handlers that want it.
func BearerAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		userName, ok := auth.Authenticate(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "UNAUTHORIZED", "message": "invalid or missing bearer token"},
			})
			return
		}
		c.Set(contextUserKey, userName)
		c.Next()
	}
}

// UserFromContext returns the owner name BearerAuth resolved for this
// request, if any.
func UserFromContext(c *gin.Context) string {
	v, _ := c.Get(contextUserKey)
	name, _ := v.(string)
	return name
}

func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
