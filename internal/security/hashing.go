package security

import (
	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies passwords using bcrypt. Callers must not log or
// persist plaintext passwords.
type Hasher struct {
	Cost int

	// dummy is compared against when the account does not exist, so unknown
	// emails cost the same as wrong passwords.
	dummy []byte
}

// NewHasher returns a Hasher with the given bcrypt cost, clamped to bcrypt's range.
// Zero or negative selects bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("credential-core-dummy"), cost)
	return &Hasher{Cost: cost, dummy: dummy}
}

// Hash produces a bcrypt hash of password suitable for storage.
func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies password against the stored hash. Returns nil on match;
// bcrypt.ErrMismatchedHashAndPassword or a parse error otherwise.
func (h *Hasher) Compare(hash string, password []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), password)
}

// CompareDummy burns one comparison against a fixed hash. Always returns
// bcrypt.ErrMismatchedHashAndPassword (or a parse error if no dummy exists).
func (h *Hasher) CompareDummy(password []byte) error {
	if len(h.dummy) == 0 {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	if err := bcrypt.CompareHashAndPassword(h.dummy, password); err != nil {
		return err
	}
	return bcrypt.ErrMismatchedHashAndPassword
}

// NeedsRehash reports whether hash was produced with a different cost than h.Cost.
func (h *Hasher) NeedsRehash(hash string) bool {
	c, err := bcrypt.Cost([]byte(hash))
	return err != nil || c != h.Cost
}
