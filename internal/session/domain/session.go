package domain

import "time"

// Reasons recorded in sessions.revoked_reason.
const (
	RevokeReasonLogout        = "logout"
	RevokeReasonLogoutAll     = "logout_all"
	RevokeReasonReuseDetected = "reuse_detected"
	RevokeReasonSuperseded    = "superseded"
	RevokeReasonAdmin         = "admin"
	RevokeReasonPasswordReset = "password_reset"
)

// Session represents a refresh-token session tied to a device. FamilyID is shared by every
// rotation descended from the login that created the session and never changes.
type Session struct {
	ID               string
	UserID           string
	FamilyID         string
	DeviceID         string
	DeviceHash       string
	IPHash           string
	UserAgentHash    string
	RefreshTokenHash string // SHA-256 of the current refresh token; the token itself is never stored
	RotationCount    int
	CreatedAt        time.Time
	LastUsedAt       time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time // nil when not revoked
	RevokedReason    string
}

// Revoked reports whether the session has been revoked for any reason.
func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// Expired reports whether the session's refresh window has passed at now.
func (s *Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }
