package middleware

import (
	"github.com/gin-gonic/gin"
)

// Identity headers set by the upstream gateway, which terminates
// authentication before requests reach this service.
const (
	UserIDHeader        = "X-User-ID"
	UserEmailHeader     = "X-User-Email"
	UserNameHeader      = "X-User-Name"
	PlatformRoleHeader  = "X-Platform-Role"
	EmailVerifiedHeader = "X-Email-Verified"
)

// Identity returns a middleware that propagates the gateway's identity
// headers into the request context. Requests without identity headers pass
// through anonymous; handlers decide whether authentication is required.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader(UserIDHeader); userID != "" {
			c.Set("user_id", userID)
			c.Set("user_email", c.GetHeader(UserEmailHeader))
			c.Set("user_name", c.GetHeader(UserNameHeader))
			c.Set("platform_role", c.GetHeader(PlatformRoleHeader))
			c.Set("email_verified", c.GetHeader(EmailVerifiedHeader) == "true")
		}
		c.Next()
	}
}
