package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Access token validation failures. Every failure is terminal; Expired is kept apart from
// SignatureInvalid so callers can tell "re-authenticate" from "attack".
var (
	ErrMalformed        = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrRevoked          = errors.New("token revoked")
	// ErrRevocationCheck means the revocation list could not be consulted; the token is rejected.
	ErrRevocationCheck = errors.New("token revocation check failed")
)

// AccessClaims holds JWT claims for the access token. Roles is a snapshot taken at issuance;
// role changes show up on the next token.
type AccessClaims struct {
	jwt.RegisteredClaims
	SessionID string   `json:"sid"`
	DeviceID  string   `json:"did,omitempty"`
	Roles     []string `json:"roles"`
}

// RevocationChecker reports whether a jti has been revoked before its natural expiry.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// TokenIssuer issues and validates access tokens signed by the KeyRing's active key.
type TokenIssuer struct {
	keys     *KeyRing
	revoked  RevocationChecker
	issuer   string
	audience string
	now      func() time.Time
}

// TokenIssuerOption configures a TokenIssuer.
type TokenIssuerOption func(*TokenIssuer)

// WithTokenClock overrides time.Now for issuance and expiry checks.
func WithTokenClock(now func() time.Time) TokenIssuerOption {
	return func(t *TokenIssuer) { t.now = now }
}

// NewTokenIssuer returns a TokenIssuer. revoked may be nil, in which case no jti is ever considered revoked.
func NewTokenIssuer(keys *KeyRing, revoked RevocationChecker, issuer, audience string, opts ...TokenIssuerOption) *TokenIssuer {
	t := &TokenIssuer{keys: keys, revoked: revoked, issuer: issuer, audience: audience, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// IssueAccessToken signs a token for userID bound to sessionID and deviceID, carrying roles.
// Returns the token string, its jti, and expiration time.
func (t *TokenIssuer) IssueAccessToken(userID, sessionID, deviceID string, roles []string, ttl time.Duration) (token, jti string, expiresAt time.Time, err error) {
	if userID == "" || sessionID == "" || ttl <= 0 {
		return "", "", time.Time{}, fmt.Errorf("issue access token: user, session and positive ttl are required")
	}
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := t.now().UTC().Truncate(time.Second)
	expiresAt = now.Add(ttl)
	snapshot := append([]string(nil), roles...)
	if snapshot == nil {
		snapshot = []string{}
	}
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{t.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		DeviceID:  deviceID,
		Roles:     snapshot,
	}
	token, err = t.keys.Sign(claims)
	return token, jti, expiresAt, err
}

// ValidateAccessToken checks, in order: structure, kid, signature, expiry, revocation.
// Errors wrap one of ErrMalformed, ErrUnknownKey, ErrSignatureInvalid, ErrExpired, ErrRevoked
// (or ErrRevocationCheck when the revocation store is unavailable).
func (t *TokenIssuer) ValidateAccessToken(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{AlgRS256, AlgES256, AlgEdDSA}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, t.keyFunc)
	if err != nil {
		return nil, classify(err)
	}
	if claims.ID == "" || claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing jti, sub or sid", ErrMalformed)
	}
	if t.revoked != nil {
		revoked, err := t.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRevocationCheck, err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}
	return claims, nil
}

func (t *TokenIssuer) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrMalformed)
	}
	pub, alg, err := t.keys.VerificationKey(kid)
	if err != nil {
		return nil, err
	}
	if token.Method.Alg() != alg {
		return nil, fmt.Errorf("%w: alg %s does not match key %s", ErrSignatureInvalid, token.Method.Alg(), kid)
	}
	return pub, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return fmt.Errorf("%w: %v", ErrUnknownKey, err)
	case errors.Is(err, ErrMalformed), errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
