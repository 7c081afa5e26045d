// Package auth identifies the acting user on API requests.
//
// The chat collaborator authenticates users on its own side and forwards the
// user's chat identity in X-User-ID. Admin routes additionally require the
// shared X-Admin-Secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowbot/internal/logging"
)

const (
	// ContextKeyUserID is the gin context key holding the acting user's ID (int64)
	ContextKeyUserID = "userID"
	// ContextKeyAdmin marks a request that presented a valid admin secret
	ContextKeyAdmin = "isAdmin"

	HeaderUserID      = "X-User-ID"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware extracts the acting user from X-User-ID.
// Requests without a parseable ID pass through unauthenticated.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader(HeaderUserID); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				c.Set(ContextKeyUserID, id)
				ctx := logging.WithUserID(c.Request.Context(), id)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an acting user.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := UserID(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header required",
			})
			return
		}
		c.Next()
	}
}

// RequireSelf requires the acting user to match the :param user ID.
func RequireSelf(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := UserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header required",
			})
			return
		}
		target, err := strconv.ParseInt(c.Param(param), 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user id must be an integer",
			})
			return
		}
		if target != caller && !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You can only access your own account.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks X-Admin-Secret against secret. With an empty secret
// (development) any authenticated user passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if _, ok := UserID(c); !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Authentication required",
				})
				return
			}
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		if !secretMatches(c.GetHeader(HeaderAdminSecret), secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// MarkAdmin flags requests carrying a valid admin secret without rejecting
// the rest, so admins can read any user's resources.
func MarkAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && secretMatches(c.GetHeader(HeaderAdminSecret), secret) {
			c.Set(ContextKeyAdmin, true)
		}
		c.Next()
	}
}

func secretMatches(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// UserID returns the acting user's ID, if any.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// IsAdmin reports whether the request presented a valid admin secret.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
