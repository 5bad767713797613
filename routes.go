package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agentdeck-backend/handlers"
)

// registerRoutes configures all routes for the application.
func registerRoutes(r *gin.Engine) {
	r.Use(handlers.IdentityMiddleware())

	// Public routes
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/login", handlers.Login)
	r.GET("/oauth/callback", handlers.OAuthCallback)
	r.GET("/logout", handlers.Logout)
	r.GET("/auth/user", handlers.AuthUser)

	api := r.Group("/api", handlers.RequireAuth())
	{
		api.GET("/sessions", handlers.ListSessions)
		api.POST("/sessions", handlers.CreateSession)
		api.GET("/capabilities", handlers.GetCapabilities)
		api.GET("/events/ws", handlers.EventStream)

		// Session-scoped routes pass the ownership gate
		sess := api.Group("/sessions/:id", handlers.RequireSessionOwnership())
		{
			sess.GET("/status", handlers.SessionStatus)
			sess.GET("/messages", handlers.SessionMessages)
			sess.POST("/messages", handlers.SendMessage)
			sess.POST("/fork", handlers.ForkSession)
			sess.POST("/permissions", handlers.GrantPermission)
			sess.POST("/interrupt", handlers.InterruptSession)
			sess.POST("/summarize", handlers.SummarizeSession)
			sess.GET("/tree", handlers.SessionTree)
		}
	}
}
