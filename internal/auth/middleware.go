package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is the gin context key holding the authenticated
// member ID.
const ContextKeyUserID = "authUserID"

// Middleware extracts and validates the bearer token, setting the
// member identity in context when valid. Requests without a token
// pass through unauthenticated.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw != "" {
			if userID, err := v.VerifyToken(raw); err == nil {
				c.Set(ContextKeyUserID, userID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin gates administrative endpoints behind a shared secret
// header. Resolution and pause operations are admin-only.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if adminSecret == "" ||
			subtle.ConstantTimeCompare([]byte(got), []byte(adminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		// Admin identity for audit fields on resolutions.
		if c.GetString(ContextKeyUserID) == "" {
			c.Set(ContextKeyUserID, "admin")
		}
		c.Next()
	}
}

// UserID returns the authenticated member ID, or empty.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAuthenticated checks whether the request carries a valid identity.
func IsAuthenticated(c *gin.Context) bool {
	return c.GetString(ContextKeyUserID) != ""
}
