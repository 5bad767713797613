// Package server provides HTTP server setup, middleware, and routing configuration.
package server

import (
	"fmt"
	"log"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterFunc is a function that can register routes on a Gin router
type RouterFunc func(r *gin.Engine)

// NewRouter builds the Gin engine with recovery, a token-redacting logger,
// and CORS. Route registration is left to the caller so tests can assemble
// an engine without starting a listener.
func NewRouter(registerRoutes RouterFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		// Redact token from query string
		path := param.Path
		if strings.Contains(param.Request.URL.RawQuery, "token=") {
			path = strings.Split(path, "?")[0] + "?token=[REDACTED]"
		}
		return fmt.Sprintf("[GIN] %s | %3d | %s | %s\n",
			param.Method,
			param.StatusCode,
			param.ClientIP,
			path,
		)
	}))

	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Cookie"}
	config.AllowCredentials = false
	r.Use(cors.New(config))

	registerRoutes(r)
	return r
}

// Run starts the server with the provided route registration function.
func Run(cfg *Config, registerRoutes RouterFunc) error {
	r := NewRouter(registerRoutes)

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	log.Printf("Using users dir: %s", cfg.Server.UsersDir)
	if cfg.Auth.Enabled() {
		log.Printf("OAuth authentication enabled (id_claim=%s)", cfg.Auth.IDClaim)
	} else {
		log.Printf("Authentication disabled: all sessions globally visible")
	}

	if err := r.Run(":" + port); err != nil {
		return fmt.Errorf("failed to start server: %v", err)
	}
	return nil
}
