package domain

import "time"

// RevokedToken marks an access token jti as permanently invalid until its natural expiry.
type RevokedToken struct {
	JTI       string
	UserID    string
	ExpiresAt time.Time
	Reason    string
	RevokedAt time.Time
}
