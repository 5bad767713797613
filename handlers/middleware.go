package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentdeck-backend/types"
)

const contextUserKey = "authUser"

// currentUser returns the identity attached by IdentityMiddleware, or nil.
func currentUser(c *gin.Context) *types.User {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*types.User)
	return user
}

// callerID returns the caller's user ID, or "" when unauthenticated or auth
// is disabled.
func callerID(c *gin.Context) string {
	if u := currentUser(c); u != nil {
		return u.ID
	}
	return ""
}

// IdentityMiddleware resolves the session cookie into an identity when
// present. It never rejects; gating happens in RequireAuth.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if AuthEnabled() {
			if cookie, err := c.Cookie(SessionCookieName); err == nil && cookie != "" {
				if user, err := parseSessionToken(cookie); err == nil {
					c.Set(contextUserKey, user)
				}
			}
		}
		c.Next()
	}
}

// RequireAuth rejects unauthenticated requests when auth is enabled. When
// auth is disabled every request passes; that is the single-user deployment
// mode, not a fallback.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !AuthEnabled() {
			c.Next()
			return
		}
		if currentUser(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

// RequireSessionOwnership gates session-scoped routes on the ownership index.
// Unknown sessions return 404 and foreign sessions 403; both outcomes carry
// no detail about the session beyond the status code.
func RequireSessionOwnership() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		owner, known := Scanner.FindOwner(sessionID)
		if !known {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if !AuthEnabled() {
			c.Next()
			return
		}
		caller := callerID(c)
		if caller != owner {
			denied := &types.AccessDenied{Reason: types.DenyNotOwner, SessionID: sessionID, UserID: caller}
			log.Printf("%v (owner %q)", denied, owner)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		c.Next()
	}
}
