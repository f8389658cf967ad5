package domain

import "time"

// Key is a row of jwt_keys. KeyRef points at the private key material (a PEM file path,
// inline PEM, or "env:" for the bootstrap key from config); the private key itself is never stored.
type Key struct {
	KID          string
	Algorithm    string
	KeyRef       string
	PublicKeyPEM string
	Active       bool
	CreatedAt    time.Time
	RetiredAt    *time.Time // nil while active
}
