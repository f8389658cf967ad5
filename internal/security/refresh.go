package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrMalformedRefreshToken is returned when a presented refresh token is not "<session_id>.<secret>".
var ErrMalformedRefreshToken = errors.New("malformed refresh token")

const refreshSecretBytes = 32

// GenerateRefreshToken returns an opaque refresh token bound to sessionID.
// The session id prefix lets the store locate the row even after the secret has been rotated away,
// which is what makes reuse detectable. Only HashRefreshToken(token) may be persisted.
func GenerateRefreshToken(sessionID string) (string, error) {
	if sessionID == "" || strings.Contains(sessionID, ".") {
		return "", ErrMalformedRefreshToken
	}
	b := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return sessionID + "." + hex.EncodeToString(b), nil
}

// SessionIDFromRefreshToken returns the session id prefix of token.
func SessionIDFromRefreshToken(token string) (string, error) {
	sid, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || sid == "" || len(secret) != 2*refreshSecretBytes {
		return "", ErrMalformedRefreshToken
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return "", ErrMalformedRefreshToken
	}
	return sid, nil
}

// HashRefreshToken returns a SHA-256 hash of the refresh token string, hex-encoded.
func HashRefreshToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// RefreshTokenHashEqual performs constant-time comparison of the provided token's hash
// with the stored hash. Empty inputs never match.
func RefreshTokenHashEqual(providedToken, storedHash string) bool {
	if providedToken == "" || storedHash == "" {
		return false
	}
	providedHash := HashRefreshToken(providedToken)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
