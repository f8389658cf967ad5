package security

import (
	"crypto"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnknownKey is returned for a kid that is not in the ring, or whose retirement grace has elapsed.
	// Callers must reject; there is no fallback to a default key.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrNoActiveKey is returned when a ring is built without a signing-capable active key.
	ErrNoActiveKey = errors.New("no active signing key")
)

// SigningKey is one entry of the key ring. Signer is nil for keys loaded for verification only.
type SigningKey struct {
	KID       string
	Algorithm string
	Signer    crypto.Signer
	Public    crypto.PublicKey
	CreatedAt time.Time
	// RetiredAt is nil for the active key.
	RetiredAt *time.Time
}

func (k *SigningKey) method() jwt.SigningMethod {
	switch k.Algorithm {
	case AlgRS256:
		return jwt.SigningMethodRS256
	case AlgES256:
		return jwt.SigningMethodES256
	case AlgEdDSA:
		return jwt.SigningMethodEdDSA
	}
	return nil
}

func (k *SigningKey) check() error {
	if k.KID == "" {
		return fmt.Errorf("%w: empty kid", ErrInvalidKey)
	}
	if !AllowedAlgorithm(k.Algorithm) {
		return fmt.Errorf("%w: algorithm %q not allowed for %s", ErrInvalidKey, k.Algorithm, k.KID)
	}
	if k.Public == nil && k.Signer != nil {
		k.Public = k.Signer.Public()
	}
	if k.Public == nil {
		return fmt.Errorf("%w: no public key for %s", ErrInvalidKey, k.KID)
	}
	if got := KeyAlg(k.Public); got != k.Algorithm {
		return fmt.Errorf("%w: %s declares %s but key material is %q", ErrInvalidKey, k.KID, k.Algorithm, got)
	}
	return nil
}

// keySet is an immutable snapshot. Readers load it without locking.
type keySet struct {
	active *SigningKey
	byKID  map[string]*SigningKey
}

// KeyRing holds the signing keys. Exactly one key is active for signing; retired keys verify
// until RetiredAt+grace. Rotation swaps the whole snapshot so no reader ever observes zero active keys.
type KeyRing struct {
	mu    sync.Mutex // serializes writers only
	snap  atomic.Pointer[keySet]
	grace time.Duration
	now   func() time.Time
}

// KeyRingOption configures a KeyRing.
type KeyRingOption func(*KeyRing)

// WithKeyRingClock overrides time.Now, for tests.
func WithKeyRingClock(now func() time.Time) KeyRingOption {
	return func(r *KeyRing) { r.now = now }
}

// NewKeyRing builds a ring around active (which must carry a Signer) and any retired keys still in grace.
func NewKeyRing(active SigningKey, retired []SigningKey, grace time.Duration, opts ...KeyRingOption) (*KeyRing, error) {
	r := &KeyRing{grace: grace, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if active.Signer == nil {
		return nil, ErrNoActiveKey
	}
	active.RetiredAt = nil
	if err := active.check(); err != nil {
		return nil, err
	}
	set := &keySet{active: &active, byKID: map[string]*SigningKey{active.KID: &active}}
	for i := range retired {
		k := retired[i]
		if err := k.check(); err != nil {
			return nil, err
		}
		if k.RetiredAt == nil {
			t := r.now()
			k.RetiredAt = &t
		}
		k.Signer = nil
		if _, dup := set.byKID[k.KID]; dup {
			return nil, fmt.Errorf("%w: duplicate kid %s", ErrInvalidKey, k.KID)
		}
		set.byKID[k.KID] = &k
	}
	r.snap.Store(set)
	return r, nil
}

// Grace returns how long retired keys keep verifying.
func (r *KeyRing) Grace() time.Duration { return r.grace }

// ActiveKey returns the kid, algorithm and signer of the current signing key.
func (r *KeyRing) ActiveKey() (kid, alg string, signer crypto.Signer) {
	a := r.snap.Load().active
	return a.KID, a.Algorithm, a.Signer
}

// Sign signs claims with the active key and stamps its kid into the header.
func (r *KeyRing) Sign(claims jwt.Claims) (string, error) {
	a := r.snap.Load().active
	t := jwt.NewWithClaims(a.method(), claims)
	t.Header["kid"] = a.KID
	return t.SignedString(a.Signer)
}

// VerificationKey resolves kid to its public key and algorithm. Retired keys resolve until their
// grace elapses; after that, and for kids never seen, ErrUnknownKey.
func (r *KeyRing) VerificationKey(kid string) (crypto.PublicKey, string, error) {
	k, ok := r.snap.Load().byKID[kid]
	if !ok || !r.usable(k) {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	return k.Public, k.Algorithm, nil
}

// Verify checks sig over signingInput with the key named by kid.
func (r *KeyRing) Verify(kid, signingInput string, sig []byte) error {
	k, ok := r.snap.Load().byKID[kid]
	if !ok || !r.usable(k) {
		return fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	return k.method().Verify(signingInput, sig, k.Public)
}

func (r *KeyRing) usable(k *SigningKey) bool {
	if k.RetiredAt == nil {
		return true
	}
	return r.now().Before(k.RetiredAt.Add(r.grace))
}

// Rotate makes next the active key and retires the previous one with grace, in one transition.
// Expired retired keys are dropped from the new snapshot. Returns the retired key.
func (r *KeyRing) Rotate(next SigningKey) (SigningKey, error) {
	if next.Signer == nil {
		return SigningKey{}, ErrNoActiveKey
	}
	next.RetiredAt = nil
	if err := next.check(); err != nil {
		return SigningKey{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, dup := cur.byKID[next.KID]; dup {
		return SigningKey{}, fmt.Errorf("%w: kid %s already in ring", ErrInvalidKey, next.KID)
	}
	now := r.now()
	old := *cur.active
	old.Signer = nil
	old.RetiredAt = &now

	set := &keySet{active: &next, byKID: make(map[string]*SigningKey, len(cur.byKID)+1)}
	set.byKID[next.KID] = &next
	set.byKID[old.KID] = &old
	for kid, k := range cur.byKID {
		if kid == old.KID || !r.usable(k) {
			continue
		}
		set.byKID[kid] = k
	}
	r.snap.Store(set)
	return old, nil
}

// AddRetired adds a verification-only key retired elsewhere, e.g. by another process that rotated
// more than once between syncs. Keys already in the ring and keys past grace are ignored. Reports
// whether the key was added.
func (r *KeyRing) AddRetired(k SigningKey) (bool, error) {
	if k.RetiredAt == nil {
		return false, fmt.Errorf("%w: %s is not retired", ErrInvalidKey, k.KID)
	}
	if err := k.check(); err != nil {
		return false, err
	}
	k.Signer = nil

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byKID[k.KID]; ok || !r.usable(&k) {
		return false, nil
	}
	set := &keySet{active: cur.active, byKID: make(map[string]*SigningKey, len(cur.byKID)+1)}
	for kid, v := range cur.byKID {
		set.byKID[kid] = v
	}
	set.byKID[k.KID] = &k
	r.snap.Store(set)
	return true, nil
}

// Prune drops retired keys whose grace has elapsed and returns how many were dropped.
func (r *KeyRing) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	set := &keySet{active: cur.active, byKID: make(map[string]*SigningKey, len(cur.byKID))}
	for kid, k := range cur.byKID {
		if r.usable(k) {
			set.byKID[kid] = k
		}
	}
	dropped := len(cur.byKID) - len(set.byKID)
	if dropped > 0 {
		r.snap.Store(set)
	}
	return dropped
}

// VerificationKeys returns the active key followed by retired keys still in grace, newest first.
// Signers are stripped.
func (r *KeyRing) VerificationKeys() []SigningKey {
	cur := r.snap.Load()
	out := make([]SigningKey, 0, len(cur.byKID))
	for _, k := range cur.byKID {
		if !r.usable(k) {
			continue
		}
		c := *k
		c.Signer = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].RetiredAt == nil) != (out[j].RetiredAt == nil) {
			return out[i].RetiredAt == nil
		}
		if out[i].RetiredAt != nil && !out[i].RetiredAt.Equal(*out[j].RetiredAt) {
			return out[i].RetiredAt.After(*out[j].RetiredAt)
		}
		return out[i].KID < out[j].KID
	})
	return out
}
