package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DeviceAuth enforces bearer JWT tokens signed with HS256, and admits only
// device tokens that carry a room binding.
func DeviceAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		// Only room-bound device tokens may reach the ingest surface.
		if claims.Role != "device" || claims.Subject == "" || claims.RoomID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token is not bound to a device and room"})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}
