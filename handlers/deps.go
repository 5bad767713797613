// Package handlers implements the HTTP API: authentication, session-scoped
// endpoints behind the access gate, and the live event stream.
package handlers

import (
	"agentdeck-backend/discovery"
	"agentdeck-backend/events"
	"agentdeck-backend/sandbox"
	"agentdeck-backend/server"
)

// Dependencies injected from the main package.
var (
	AuthCfg    server.AuthConfig
	Scanner    *discovery.Scanner
	Containers *sandbox.Manager
	Router     *events.Router
)

// AuthEnabled reports whether the access gate is active. When false the gate
// is bypassed entirely and all sessions are globally visible: an explicit
// deployment mode, not a fallback.
func AuthEnabled() bool { return AuthCfg.Enabled() }
