package httpHandler

import (
	"net/http"
	"strings"

	"rdm-server/auth"

	"github.com/gin-gonic/gin"
)

// RequireAuth gates a route group behind a bearer token.
func RequireAuth(authenticator auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, fail("missing bearer token"))
			return
		}
		identity, err := authenticator.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, fail("invalid or expired token"))
			return
		}
		c.Set("identity", identity)
		c.Next()
	}
}
