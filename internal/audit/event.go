package audit

// EventType is the closed set of security events the core records.
type EventType string

const (
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailure       EventType = "login_failure"
	EventAccountLocked      EventType = "account_locked"
	EventLogout             EventType = "logout"
	EventLogoutAll          EventType = "logout_all"
	EventTokenRefreshed     EventType = "token_refreshed"
	EventTokenInvalid       EventType = "token_invalid"
	EventTokenReuseDetected EventType = "token_reuse_detected"
	EventPermissionDenied   EventType = "permission_denied"
	EventRoleDenied         EventType = "role_denied"
	EventRateLimited        EventType = "rate_limited"
	EventMiddlewareError    EventType = "middleware_error"
	EventRoleAssigned       EventType = "role_assigned"
	EventRoleRevoked        EventType = "role_revoked"
	EventPermissionGranted  EventType = "permission_granted"
	EventPermissionRevoked  EventType = "permission_revoked"
	EventKeyRotated         EventType = "key_rotated"

	// EventRequestAuthenticated is written once per request that passed bearer authentication,
	// after the handler ran, with the response status.
	EventRequestAuthenticated EventType = "request_authenticated"
	EventPasswordResetRequest EventType = "password_reset_requested"
	EventPasswordReset        EventType = "password_reset"
)

// Severity of an audit event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var defaultSeverity = map[EventType]Severity{
	EventLoginSuccess:       SeverityLow,
	EventLoginFailure:       SeverityMedium,
	EventAccountLocked:      SeverityHigh,
	EventLogout:             SeverityLow,
	EventLogoutAll:          SeverityMedium,
	EventTokenRefreshed:     SeverityLow,
	EventTokenInvalid:       SeverityMedium,
	EventTokenReuseDetected: SeverityCritical,
	EventPermissionDenied:   SeverityMedium,
	EventRoleDenied:         SeverityMedium,
	EventRateLimited:        SeverityHigh,
	EventMiddlewareError:    SeverityHigh,
	EventRoleAssigned:       SeverityMedium,
	EventRoleRevoked:        SeverityMedium,
	EventPermissionGranted:  SeverityMedium,
	EventPermissionRevoked:  SeverityMedium,
	EventKeyRotated:         SeverityHigh,

	EventRequestAuthenticated: SeverityLow,
	EventPasswordResetRequest: SeverityMedium,
	EventPasswordReset:        SeverityHigh,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := defaultSeverity[t]
	return ok
}

// DefaultSeverity returns the severity used when an Event does not set one.
func (t EventType) DefaultSeverity() Severity {
	if s, ok := defaultSeverity[t]; ok {
		return s
	}
	return SeverityMedium
}

// Event is what callers hand to the Logger. IP and UserAgent are raw; the Logger hashes them
// before anything is persisted. Details must not carry personal data; known PII keys are dropped.
type Event struct {
	Type      EventType
	Severity  Severity
	UserID    string
	SessionID string
	Action    string
	Resource  string
	IP        string
	UserAgent string
	Success   bool
	Details   map[string]any
}
