package security

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type memRevocations struct {
	mu   sync.Mutex
	jtis map[string]bool
	err  error
}

func (m *memRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.jtis[jti], nil
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer, _, err := NewTestTokenIssuer(nil)
	if err != nil {
		t.Fatalf("NewTestTokenIssuer: %v", err)
	}
	roles := []string{"admin", "editor"}
	token, jti, exp, err := issuer.IssueAccessToken("u1", "s1", "d1", roles, 15*time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if token == "" || jti == "" {
		t.Fatal("token or jti empty")
	}
	if exp.Before(time.Now()) {
		t.Fatal("expires at in the past")
	}

	claims, err := issuer.ValidateAccessToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Subject != "u1" || claims.SessionID != "s1" || claims.DeviceID != "d1" || claims.ID != jti {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.ExpiresAt.Time.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt.Time, exp)
	}
	if strings.Join(claims.Roles, ",") != "admin,editor" {
		t.Errorf("Roles = %v", claims.Roles)
	}

	roles[0] = "mutated"
	again, _ := issuer.ValidateAccessToken(context.Background(), token)
	if again.Roles[0] != "admin" {
		t.Error("role snapshot must not alias the caller's slice")
	}
}

func TestTokenIssuer_HeaderCarriesKID(t *testing.T) {
	issuer, _, err := NewTestTokenIssuer(nil)
	if err != nil {
		t.Fatalf("NewTestTokenIssuer: %v", err)
	}
	token, _, _, err := issuer.IssueAccessToken("u1", "s1", "", nil, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &AccessClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	if parsed.Header["kid"] != "test-kid" {
		t.Errorf("kid = %v, want test-kid", parsed.Header["kid"])
	}
}

func TestTokenIssuer_ValidationFailures(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	key, err := NewTestSigningKey("k1")
	if err != nil {
		t.Fatalf("NewTestSigningKey: %v", err)
	}
	ring, err := NewKeyRing(key, nil, time.Hour, WithKeyRingClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	revs := &memRevocations{jtis: map[string]bool{}}
	issuer := NewTokenIssuer(ring, revs, "iss", "aud", WithTokenClock(func() time.Time { return clock }))

	good, jti, _, err := issuer.IssueAccessToken("u1", "s1", "d1", []string{"user"}, 10*time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	t.Run("malformed", func(t *testing.T) {
		for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
			if _, err := issuer.ValidateAccessToken(context.Background(), tok); !errors.Is(err, ErrMalformed) {
				t.Errorf("%q: want ErrMalformed, got %v", tok, err)
			}
		}
	})

	t.Run("signature invalid", func(t *testing.T) {
		parts := strings.Split(good, ".")
		sig := []byte(parts[2])
		if sig[0] == 'A' {
			sig[0] = 'B'
		} else {
			sig[0] = 'A'
		}
		tampered := parts[0] + "." + parts[1] + "." + string(sig)
		if _, err := issuer.ValidateAccessToken(context.Background(), tampered); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("want ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewTokenIssuer(ring, nil, "iss", "other-aud", WithTokenClock(func() time.Time { return clock }))
		tok, _, _, _ := other.IssueAccessToken("u1", "s1", "d1", nil, time.Minute)
		if _, err := issuer.ValidateAccessToken(context.Background(), tok); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("want ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("unknown kid", func(t *testing.T) {
		foreignKey, _ := NewTestES256Key("foreign")
		foreignRing, _ := NewKeyRing(foreignKey, nil, time.Hour)
		foreign := NewTokenIssuer(foreignRing, nil, "iss", "aud", WithTokenClock(func() time.Time { return clock }))
		tok, _, _, _ := foreign.IssueAccessToken("u1", "s1", "d1", nil, time.Minute)
		if _, err := issuer.ValidateAccessToken(context.Background(), tok); !errors.Is(err, ErrUnknownKey) {
			t.Errorf("want ErrUnknownKey, got %v", err)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		revs.mu.Lock()
		revs.jtis[jti] = true
		revs.mu.Unlock()
		defer func() {
			revs.mu.Lock()
			delete(revs.jtis, jti)
			revs.mu.Unlock()
		}()
		if _, err := issuer.ValidateAccessToken(context.Background(), good); !errors.Is(err, ErrRevoked) {
			t.Errorf("want ErrRevoked, got %v", err)
		}
	})

	t.Run("revocation store down fails closed", func(t *testing.T) {
		revs.mu.Lock()
		revs.err = errors.New("db down")
		revs.mu.Unlock()
		defer func() {
			revs.mu.Lock()
			revs.err = nil
			revs.mu.Unlock()
		}()
		if _, err := issuer.ValidateAccessToken(context.Background(), good); !errors.Is(err, ErrRevocationCheck) {
			t.Errorf("want ErrRevocationCheck, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		clock = now.Add(11 * time.Minute)
		defer func() { clock = now }()
		_, err := issuer.ValidateAccessToken(context.Background(), good)
		if !errors.Is(err, ErrExpired) {
			t.Errorf("want ErrExpired, got %v", err)
		}
		if errors.Is(err, ErrSignatureInvalid) {
			t.Error("expiry must be distinct from signature failure")
		}
	})

	t.Run("still valid", func(t *testing.T) {
		if _, err := issuer.ValidateAccessToken(context.Background(), good); err != nil {
			t.Errorf("ValidateAccessToken: %v", err)
		}
	})
}

func TestTokenIssuer_IssueRequiresFields(t *testing.T) {
	issuer, _, err := NewTestTokenIssuer(nil)
	if err != nil {
		t.Fatalf("NewTestTokenIssuer: %v", err)
	}
	if _, _, _, err := issuer.IssueAccessToken("", "s1", "", nil, time.Minute); err == nil {
		t.Error("empty user should fail")
	}
	if _, _, _, err := issuer.IssueAccessToken("u1", "s1", "", nil, 0); err == nil {
		t.Error("zero ttl should fail")
	}
}
