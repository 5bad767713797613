package types

// Event is a single session event emitted by the execution layer. Events are
// immutable once emitted and carry no owner field: ownership is resolved from
// SessionID against the live ownership index at delivery time, so a stale
// event is dropped rather than misrouted if ownership changes mid-flight.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Well-known event types published by discovery and the execution layer.
const (
	EventSessionAdded   = "session_added"
	EventSessionRemoved = "session_removed"
	EventSessionUpdated = "session_updated"
	EventMessage        = "message"
)
