package types

import "fmt"

// AuthErrorKind classifies login flow failures.
type AuthErrorKind string

const (
	AuthStateMismatch  AuthErrorKind = "state_mismatch"
	AuthExchangeFailed AuthErrorKind = "exchange_failed"
	AuthMissingClaim   AuthErrorKind = "missing_claim"
)

// AuthError is returned by the login callback when the OAuth exchange or
// claim extraction fails. It is never downgraded to an anonymous identity.
type AuthError struct {
	Kind   AuthErrorKind
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("auth error: %s", e.Kind)
	}
	return fmt.Sprintf("auth error: %s: %s", e.Kind, e.Detail)
}

// DenyReason classifies access gate rejections.
type DenyReason string

const (
	DenyNotAuthenticated DenyReason = "not_authenticated"
	DenyNotOwner         DenyReason = "not_owner"
	DenyNotFound         DenyReason = "not_found"
)

// AccessDenied is returned when a session-scoped request fails the ownership
// check. These are expected outcomes and are logged at low severity.
type AccessDenied struct {
	Reason    DenyReason
	SessionID string
	UserID    string
}

func (e *AccessDenied) Error() string {
	return fmt.Sprintf("access denied (%s) for session %q", e.Reason, e.SessionID)
}

// ContainerErrorKind classifies sandbox runtime failures.
type ContainerErrorKind string

const (
	// ContainerUnavailable means the runtime daemon could not be reached after
	// bounded retries. Surfaced as a 502-class error.
	ContainerUnavailable ContainerErrorKind = "unavailable"
	// ContainerFatal means the runtime rejected the operation outright
	// (bad image, bad config). Never retried.
	ContainerFatal ContainerErrorKind = "fatal"
	// ContainerNotRunning means Exec was called without a prior successful
	// Ensure. This is a caller bug, not user input.
	ContainerNotRunning ContainerErrorKind = "not_running"
)

// ContainerError is returned by the container lifecycle manager.
type ContainerError struct {
	Kind   ContainerErrorKind
	UserID string
	Detail string
	Err    error
}

func (e *ContainerError) Error() string {
	msg := fmt.Sprintf("container error (%s) for user %q", e.Kind, e.UserID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ContainerError) Unwrap() error { return e.Err }

// DiscoveryError is returned when scanning a single user namespace fails.
// The failing namespace is skipped for the current scan cycle; entries from
// the previous successful scan are retained.
type DiscoveryError struct {
	UserID string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for user %q: %v", e.UserID, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
