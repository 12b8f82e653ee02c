// Package auth carries caller identity through gin requests.
//
// Authentication itself happens upstream: the gateway in front of this
// service asserts the calling owner in the X-Owner-ID header. This package
// only lifts that identity into the request context and guards admin routes.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/revolve/internal/logging"
)

const (
	// HeaderOwnerID carries the authenticated owner asserted by the gateway.
	HeaderOwnerID = "X-Owner-ID"
	// HeaderAdminSecret carries the admin shared secret.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyOwnerID is the key for storing the caller's owner ID in gin context.
	ContextKeyOwnerID = "callerOwnerID"
)

// Middleware reads the caller identity header, if any, into the gin and
// request contexts.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if owner := strings.TrimSpace(c.GetHeader(HeaderOwnerID)); owner != "" {
			c.Set(ContextKeyOwnerID, owner)
			c.Request = c.Request.WithContext(logging.WithOwnerID(c.Request.Context(), owner))
		}
		c.Next()
	}
}

// RequireCaller rejects requests without a caller identity.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required. Include the X-Owner-ID header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards admin routes with a shared secret compared in
// constant time. With an empty secret (demo mode) any identified caller
// passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if CallerID(c) == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Caller identity required",
				})
				return
			}
			c.Next()
			return
		}

		got := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

// CallerID returns the caller's owner ID, or "" when the request is anonymous.
func CallerID(c *gin.Context) string {
	return c.GetString(ContextKeyOwnerID)
}
