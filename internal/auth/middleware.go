// Package auth resolves the calling identity for HTTP requests.
//
// Identity model:
//   - The upstream gateway authenticates users and forwards X-Actor-ID
//     and X-Actor-Role (guest, realtor or admin).
//   - Admin routes additionally require the X-Admin-Secret header when
//     ADMIN_SECRET is configured.
//   - Handlers read the actor with GetActor and check booking
//     participation themselves.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/shortlet/internal/ledger"
)

const (
	// ContextKeyActor is the key for storing the resolved actor in gin context
	ContextKeyActor = "actor"

	HeaderActorID     = "X-Actor-ID"
	HeaderActorRole   = "X-Actor-Role"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware extracts the caller identity from request headers.
// Sets the actor in gin context and in the request context so ledger
// writes are attributed.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		role := ledger.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole))))

		if id != "" && validRole(role) {
			actor := ledger.Actor{Role: role, ID: id}
			c.Set(ContextKeyActor, actor)
			c.Request = c.Request.WithContext(ledger.WithActor(c.Request.Context(), actor))
		}

		c.Next()
	}
}

func validRole(r ledger.Role) bool {
	switch r {
	case ledger.RoleGuest, ledger.RoleRealtor, ledger.RoleAdmin:
		return true
	}
	return false
}

// RequireAuth rejects requests without an identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID and X-Actor-Role headers required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin requires an admin actor. If secret is non-empty the
// X-Admin-Secret header must match it.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		if actor.Role != ledger.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		if secret != "" {
			got := c.GetHeader(HeaderAdminSecret)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Invalid admin secret.",
				})
				return
			}
		}
		c.Next()
	}
}

// GetActor returns the resolved actor (if any).
func GetActor(c *gin.Context) (ledger.Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return ledger.Actor{}, false
	}
	a, ok := v.(ledger.Actor)
	return a, ok
}

// IsAdmin reports whether the caller is an admin.
func IsAdmin(c *gin.Context) bool {
	a, ok := GetActor(c)
	return ok && a.Role == ledger.RoleAdmin
}
