// Package signingkey loads the JWT key ring from jwt_keys, bootstraps the first key from config,
// performs out-of-band rotation, and keeps a running process's ring in step with the table.
package signingkey

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"credential-core/internal/security"
	"credential-core/internal/signingkey/domain"
	"credential-core/internal/signingkey/repository"
)

// EnvKeyRef marks a row whose private key comes from the JWT_PRIVATE_KEY setting.
const EnvKeyRef = "env:JWT_PRIVATE_KEY"

// ErrNoKeys is returned when jwt_keys has no active key and no bootstrap key is configured.
var ErrNoKeys = errors.New("no active signing key in jwt_keys and JWT_PRIVATE_KEY is not set")

// Manager owns the mapping between jwt_keys rows and the in-process KeyRing.
type Manager struct {
	repo         repository.Repository
	grace        time.Duration
	bootstrapPEM string
	keyDir       string
	log          logrus.FieldLogger
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager. bootstrapPEM is the configured private key (inline or path), used
// only when the table has no active key. keyDir is where Rotate writes new private keys.
func NewManager(repo repository.Repository, grace time.Duration, bootstrapPEM, keyDir string, log logrus.FieldLogger, opts ...Option) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{
		repo:         repo,
		grace:        grace,
		bootstrapPEM: bootstrapPEM,
		keyDir:       keyDir,
		log:          log.WithField("component", "signingkey"),
		now:          time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Load builds a KeyRing from jwt_keys. When the table is empty and a bootstrap key is configured,
// that key is inserted as the first active key.
func (m *Manager) Load(ctx context.Context) (*security.KeyRing, error) {
	rows, err := m.repo.ListVerifiable(ctx, m.now().Add(-m.grace))
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	if activeRow(rows) == nil {
		row, err := m.bootstrap(ctx)
		if err != nil {
			return nil, err
		}
		rows = append([]*domain.Key{row}, rows...)
	}

	var active security.SigningKey
	var retired []security.SigningKey
	for _, row := range rows {
		if row.Active {
			active, err = m.toSigningKey(row, true)
			if err != nil {
				return nil, err
			}
			continue
		}
		k, err := m.toSigningKey(row, false)
		if err != nil {
			m.log.WithError(err).WithField("kid", row.KID).Warn("skipping unreadable retired key")
			continue
		}
		retired = append(retired, k)
	}
	ring, err := security.NewKeyRing(active, retired, m.grace, security.WithKeyRingClock(m.now))
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"active_kid": active.KID, "retired": len(retired)}).Info("signing keys loaded")
	return ring, nil
}

func (m *Manager) bootstrap(ctx context.Context) (*domain.Key, error) {
	if strings.TrimSpace(m.bootstrapPEM) == "" {
		return nil, ErrNoKeys
	}
	signer, err := security.ParsePrivateKey(m.bootstrapPEM)
	if err != nil {
		return nil, fmt.Errorf("bootstrap key: %w", err)
	}
	row, err := newRow(signer, EnvKeyRef, m.now())
	if err != nil {
		return nil, err
	}
	row.Active = true
	if err := m.repo.Insert(ctx, row); err != nil {
		return nil, fmt.Errorf("insert bootstrap key: %w", err)
	}
	m.log.WithField("kid", row.KID).Info("bootstrap signing key registered")
	return row, nil
}

func (m *Manager) toSigningKey(row *domain.Key, withSigner bool) (security.SigningKey, error) {
	k := security.SigningKey{KID: row.KID, Algorithm: row.Algorithm, CreatedAt: row.CreatedAt, RetiredAt: row.RetiredAt}
	if !security.AllowedAlgorithm(row.Algorithm) {
		return k, fmt.Errorf("%w: algorithm %q for %s", security.ErrInvalidKey, row.Algorithm, row.KID)
	}
	pub, err := security.ParsePublicKey(row.PublicKeyPEM)
	if err != nil {
		return k, fmt.Errorf("public key %s: %w", row.KID, err)
	}
	k.Public = pub
	if withSigner {
		ref := row.KeyRef
		if ref == EnvKeyRef {
			ref = m.bootstrapPEM
		}
		signer, err := security.ParsePrivateKey(ref)
		if err != nil {
			return k, fmt.Errorf("private key %s: %w", row.KID, err)
		}
		k.Signer = signer
	}
	return k, nil
}

// Rotate generates a new alg key, writes its private PEM under keyDir, and atomically makes it the
// active row in jwt_keys. Running processes pick it up on their next Sync.
func (m *Manager) Rotate(ctx context.Context, alg string) (*domain.Key, error) {
	signer, err := security.GenerateKey(alg)
	if err != nil {
		return nil, err
	}
	privPEM, err := security.EncodePrivateKeyPEM(signer)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	row, err := newRow(signer, "", now)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("key dir: %w", err)
	}
	path := filepath.Join(m.keyDir, row.KID+".pem")
	if err := os.WriteFile(path, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	row.KeyRef = path
	row.Active = true
	if err := m.repo.Rotate(ctx, row, now); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("rotate signing key: %w", err)
	}
	m.log.WithFields(logrus.Fields{"kid": row.KID, "alg": row.Algorithm}).Info("signing key rotated")
	return row, nil
}

// Sync brings ring in line with jwt_keys: if another process rotated, the new active key replaces
// the ring's active key (which retires with grace). Retired rows still in grace that the ring has
// never seen are added for verification. Expired retired keys are pruned.
func (m *Manager) Sync(ctx context.Context, ring *security.KeyRing) error {
	rows, err := m.repo.ListVerifiable(ctx, m.now().Add(-m.grace))
	if err != nil {
		return fmt.Errorf("list signing keys: %w", err)
	}
	if row := activeRow(rows); row != nil {
		if kid, _, _ := ring.ActiveKey(); kid != row.KID {
			next, err := m.toSigningKey(row, true)
			if err != nil {
				return err
			}
			if _, err := ring.Rotate(next); err != nil {
				return err
			}
			m.log.WithFields(logrus.Fields{"old_kid": kid, "new_kid": row.KID}).Info("key ring picked up rotation")
		}
	}
	for _, row := range rows {
		if row.Active || row.RetiredAt == nil {
			continue
		}
		if _, _, err := ring.VerificationKey(row.KID); err == nil {
			continue
		}
		k, err := m.toSigningKey(row, false)
		if err != nil {
			m.log.WithError(err).WithField("kid", row.KID).Warn("retired signing key unusable; skipped")
			continue
		}
		added, err := ring.AddRetired(k)
		if err != nil {
			m.log.WithError(err).WithField("kid", row.KID).Warn("retired signing key rejected")
			continue
		}
		if added {
			m.log.WithField("kid", row.KID).Info("key ring picked up retired key")
		}
	}
	if n := ring.Prune(); n > 0 {
		m.log.WithField("pruned", n).Info("retired signing keys past grace dropped")
	}
	return nil
}

func activeRow(rows []*domain.Key) *domain.Key {
	for _, r := range rows {
		if r.Active {
			return r
		}
	}
	return nil
}

func newRow(signer crypto.Signer, ref string, now time.Time) (*domain.Key, error) {
	alg := security.KeyAlg(signer.Public())
	if alg == "" {
		return nil, security.ErrInvalidKey
	}
	pubPEM, err := security.EncodePublicKeyPEM(signer.Public())
	if err != nil {
		return nil, err
	}
	return &domain.Key{
		KID:          uuid.New().String(),
		Algorithm:    alg,
		KeyRef:       ref,
		PublicKeyPEM: string(pubPEM),
		CreatedAt:    now,
	}, nil
}
