package domain

import (
	"errors"
	"strings"
	"time"
)

// User is the core user entity.
type User struct {
	ID        string
	Email     string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if u.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

// NormalizeEmail lowercases and trims an email for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Credentials is the user's password state from user_auth.
type Credentials struct {
	UserID         string
	PasswordHash   string
	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
	UpdatedAt      time.Time
}

// Locked reports whether the account is locked at now.
func (c *Credentials) Locked(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// PasswordReset is an issued reset token. Only the SHA-256 of the token is stored.
type PasswordReset struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
