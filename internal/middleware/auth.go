package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wingman-interview/pipeline/internal/auth"
	"github.com/wingman-interview/pipeline/pkg/response"
	"github.com/wingman-interview/pipeline/pkg/utils"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserEmail is the key for user email in gin context.
	ContextUserEmail = "user_email"
	// ContextAuthScheme records how the request authenticated.
	ContextAuthScheme = "auth_scheme"
)

// Auth returns a middleware that validates a bearer JWT, falling back to the
// pre-shared API key (X-API-Key, verified against its bcrypt hash) for
// machine callers. An empty apiKeyHash disables the fallback.
func Auth(jwtService *auth.JWTService, apiKeyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(c, "invalid authorization header")
				c.Abort()
				return
			}
			claims, err := jwtService.Validate(parts[1])
			if err != nil {
				response.Unauthorized(c, "invalid or expired token")
				c.Abort()
				return
			}
			c.Set(ContextUserID, claims.UserID)
			c.Set(ContextUserEmail, claims.Email)
			c.Set(ContextAuthScheme, auth.SchemeBearer)
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" && apiKeyHash != "" {
			if utils.CheckAPIKey(key, apiKeyHash) {
				c.Set(ContextAuthScheme, auth.SchemeAPIKey)
				c.Next()
				return
			}
		}

		response.Unauthorized(c, "missing or invalid credentials")
		c.Abort()
	}
}
