package middleware

import (
	"net/http"
	"strings"

	"meshroom/internal/identity"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserID      = "user_id"
	ContextDisplayName = "display_name"
	ContextClaims      = "identity_claims"
)

// AuthMiddleware verifies the platform-issued bearer token and stores the
// claims on the request context. With required=false, requests without a
// token pass through anonymously; a present-but-invalid token is still
// rejected.
func AuthMiddleware(verifier *identity.Verifier, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
				return
			}
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := verifier.VerifyToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextDisplayName, claims.DisplayName)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}
