// Package types defines common type definitions shared across the backend.
package types

import "time"

// User is an authenticated account. ID is derived once from the configured
// identity claim and doubles as the sandbox/storage namespace key.
type User struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Claims map[string]any `json:"-"`
}

// Session is a coding-agent session discovered on disk. OwnerUserID is the
// namespace the session was scanned from and never changes.
type Session struct {
	ID             string    `json:"id"`
	OwnerUserID    string    `json:"ownerUserId,omitempty"`
	Path           string    `json:"-"`
	ProjectName    string    `json:"projectName"`
	ProjectPath    string    `json:"projectPath"`
	FirstMessage   string    `json:"firstMessage,omitempty"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`
	MessageCount   int       `json:"messageCount"`
	IsSubagent     bool      `json:"isSubagent,omitempty"`
}

// SessionMessage is one parsed line of a session transcript.
type SessionMessage struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp,omitempty"`
	Message   map[string]any `json:"message,omitempty"`
}

// TokenUsage aggregates token counts across a session transcript.
type TokenUsage struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CostUSD                  float64 `json:"costUsd"`
}

// ContainerState is the lifecycle state of a per-user sandbox container.
type ContainerState string

const (
	ContainerNotPresent ContainerState = "NotPresent"
	ContainerCreating   ContainerState = "Creating"
	ContainerCreated    ContainerState = "Created"
	ContainerStarting   ContainerState = "Starting"
	ContainerRunning    ContainerState = "Running"
	ContainerStopped    ContainerState = "Stopped"
	ContainerFailed     ContainerState = "Failed"
)

// Capabilities reports which operations this backend supports. Fork and
// permission prompts are disabled: the sandbox runtime is the security
// boundary and sessions cannot be forked across it.
type Capabilities struct {
	SendMessage         bool `json:"sendMessage"`
	ForkSession         bool `json:"forkSession"`
	PermissionDetection bool `json:"permissionDetection"`
	Summarize           bool `json:"summarize"`
}
