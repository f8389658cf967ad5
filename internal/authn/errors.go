package authn

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"credential-core/internal/session"
)

// Kind classifies an authentication failure.
type Kind string

const (
	KindMissing          Kind = "missing"
	KindMalformed        Kind = "malformed"
	KindExpired          Kind = "expired"
	KindSignatureInvalid Kind = "signature_invalid"
	KindUnknownKey       Kind = "unknown_key"
	KindRevoked          Kind = "revoked"
	KindSessionRevoked   Kind = "session_revoked"
	KindSessionExpired   Kind = "session_expired"
	KindUserInactive     Kind = "user_inactive"
	KindReuseDetected    Kind = "reuse_detected"
)

// AuthenticationError means the caller could not be identified. Always 401.
type AuthenticationError struct {
	Kind Kind
	Err  error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return "authentication failed: " + string(e.Kind)
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Kind, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// AuthorizationError means the caller is known but lacks a role or permission. Always 403.
// Resource, Action and Role go to the audit log, never to the client.
type AuthorizationError struct {
	Resource string
	Action   string
	Role     string
}

func (e *AuthorizationError) Error() string {
	if e.Role != "" {
		return "role required: " + e.Role
	}
	return fmt.Sprintf("permission denied: %s:%s", e.Resource, e.Action)
}

// RateLimitError means the caller exhausted its window. Always 429.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %s", e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	s := int((e.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// Status maps err to the HTTP status the caller sees. Anything outside the taxonomy is 500.
func Status(err error) int {
	var (
		authnErr *AuthenticationError
		authzErr *AuthorizationError
		rlErr    *RateLimitError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &authnErr), errors.Is(err, session.ErrReuseDetected):
		return http.StatusUnauthorized
	case errors.As(err, &authzErr):
		return http.StatusForbidden
	case errors.As(err, &rlErr):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Message is the generic client-facing text for err's status. It never carries internal detail.
func Message(err error) string {
	switch Status(err) {
	case http.StatusUnauthorized:
		return "authentication required"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "too many requests"
	case http.StatusOK:
		return ""
	default:
		return "internal server error"
	}
}
