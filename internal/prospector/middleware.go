package prospector

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// IdentityMiddleware attaches the caller's tenant and user to the request
// context. Authentication happens at the gateway; this service trusts the
// identity headers it forwards and refuses requests without a tenant.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant identity required"})
			c.Abort()
			return
		}

		ctx := WithTenantID(c.Request.Context(), tenantID)
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			ctx = WithUserID(ctx, userID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
