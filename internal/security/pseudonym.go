package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Pseudonymizer turns personal values (IP addresses, user agents) into salted one-way
// hashes before they reach storage or logs. The same input and salt always yield the
// same output, so rows can still be correlated without keeping the raw value.
type Pseudonymizer struct {
	salt []byte
}

// NewPseudonymizer returns a Pseudonymizer keyed with salt.
func NewPseudonymizer(salt string) *Pseudonymizer {
	return &Pseudonymizer{salt: []byte(salt)}
}

// Hash returns the hex HMAC-SHA256 of value. Empty or whitespace-only input, or a nil
// Pseudonymizer, yields "" so a raw value is never passed through.
func (p *Pseudonymizer) Hash(value string) string {
	value = strings.TrimSpace(value)
	if p == nil || value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, p.salt)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
