// Package session owns refresh-token sessions: creation per device, single-use rotation with
// token-family reuse detection, and revocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"credential-core/internal/audit"
	"credential-core/internal/metrics"
	"credential-core/internal/security"
	"credential-core/internal/session/domain"
	sessionrepo "credential-core/internal/session/repository"
)

var (
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionRevoked      = errors.New("session revoked")
	ErrSessionExpired      = errors.New("session expired")
	// ErrReuseDetected means a rotated-away refresh token was presented; the whole family has been revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected")
)

// DeviceMeta is the raw client metadata seen at login or refresh. It is hashed before storage.
type DeviceMeta struct {
	IP          string
	UserAgent   string
	Fingerprint string
}

// Issued is what a caller gets back from CreateSession and Rotate. RefreshToken is shown once.
type Issued struct {
	Session      *domain.Session
	RefreshToken string
}

// Store implements session lifecycle on top of a Repository.
type Store struct {
	repo    sessionrepo.Repository
	audit   audit.Recorder
	pseudo  *security.Pseudonymizer
	ttl     time.Duration
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics counts reuse detections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore returns a Store. ttl is the refresh window; each rotation extends expires_at to now+ttl.
func NewStore(repo sessionrepo.Repository, rec audit.Recorder, pseudo *security.Pseudonymizer, ttl time.Duration, log logrus.FieldLogger, opts ...Option) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{
		repo:   repo,
		audit:  rec,
		pseudo: pseudo,
		ttl:    ttl,
		log:    log.WithField("component", "session"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateSession starts a new token family for (userID, deviceID). Any live session on the same
// device is revoked as superseded. An empty deviceID gets a fresh one.
func (s *Store) CreateSession(ctx context.Context, userID, deviceID string, meta DeviceMeta) (*Issued, error) {
	if userID == "" {
		return nil, fmt.Errorf("create session: user id is required")
	}
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	id := uuid.New().String()
	token, err := security.GenerateRefreshToken(id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess := &domain.Session{
		ID:               id,
		UserID:           userID,
		FamilyID:         uuid.New().String(),
		DeviceID:         deviceID,
		DeviceHash:       s.pseudo.Hash(meta.Fingerprint),
		IPHash:           s.pseudo.Hash(meta.IP),
		UserAgentHash:    s.pseudo.Hash(meta.UserAgent),
		RefreshTokenHash: security.HashRefreshToken(token),
		CreatedAt:        now,
		LastUsedAt:       now,
		ExpiresAt:        now.Add(s.ttl),
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Issued{Session: sess, RefreshToken: token}, nil
}

// Rotate exchanges a current refresh token for a new one. Presenting a token that is no longer
// current revokes the entire family and returns ErrReuseDetected.
func (s *Store) Rotate(ctx context.Context, presented string, meta DeviceMeta) (*Issued, error) {
	id, err := security.SessionIDFromRefreshToken(presented)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrInvalidRefreshToken
	}
	if sess.Revoked() {
		return nil, ErrSessionRevoked
	}
	now := s.now().UTC()
	if sess.Expired(now) {
		return nil, ErrSessionExpired
	}
	if !security.RefreshTokenHashEqual(presented, sess.RefreshTokenHash) {
		return nil, s.reuseDetected(ctx, sess, meta, "stale_token")
	}

	next, err := security.GenerateRefreshToken(sess.ID)
	if err != nil {
		return nil, err
	}
	nextHash := security.HashRefreshToken(next)
	expiresAt := now.Add(s.ttl)
	swapped, err := s.repo.CompareAndSwapHash(ctx, sess.ID, sess.RefreshTokenHash, nextHash, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	if !swapped {
		// Someone else changed the row between our read and write. If it was a revocation, report
		// that; otherwise two holders presented the same token.
		cur, err := s.repo.GetByID(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("reload session: %w", err)
		}
		if cur == nil || cur.Revoked() {
			return nil, ErrSessionRevoked
		}
		return nil, s.reuseDetected(ctx, sess, meta, "concurrent_rotation")
	}

	sess.RefreshTokenHash = nextHash
	sess.LastUsedAt = now
	sess.ExpiresAt = expiresAt
	sess.RotationCount++
	return &Issued{Session: sess, RefreshToken: next}, nil
}

func (s *Store) reuseDetected(ctx context.Context, sess *domain.Session, meta DeviceMeta, cause string) error {
	s.metrics.TokenReuse()
	entry := s.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"family_id":  sess.FamilyID,
		"user_id":    sess.UserID,
		"cause":      cause,
	})
	// The audit entry must exist before the family is revoked, and neither step may be cut short by
	// the caller going away.
	ctx = context.WithoutCancel(ctx)
	if s.audit != nil {
		err := s.audit.RecordSync(ctx, audit.Event{
			Type:      audit.EventTokenReuseDetected,
			UserID:    sess.UserID,
			SessionID: sess.ID,
			Action:    "refresh",
			Resource:  "session",
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
			Details:   map[string]any{"family_id": sess.FamilyID, "cause": cause},
		})
		if err != nil {
			entry.WithError(err).Error("reuse audit entry not written; revoking family anyway")
		}
	}
	n, err := s.repo.RevokeFamily(ctx, sess.FamilyID, domain.RevokeReasonReuseDetected, s.now().UTC())
	if err != nil {
		entry.WithError(err).Error("revoke family after reuse failed")
		return fmt.Errorf("%w: revoke family: %v", ErrReuseDetected, err)
	}
	entry.WithField("revoked", n).Warn("refresh token reuse detected; family revoked")
	return ErrReuseDetected
}

// Peek returns the session a refresh token points at without checking or consuming the token.
// Callers use it to prepare work that must succeed before Rotate commits.
func (s *Store) Peek(ctx context.Context, presented string) (*domain.Session, error) {
	id, err := security.SessionIDFromRefreshToken(presented)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrInvalidRefreshToken
	}
	return sess, nil
}

// Get returns the session for id, or ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Validate is the request-path check: the session must exist, be unrevoked and unexpired.
func (s *Store) Validate(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Revoked() {
		return nil, ErrSessionRevoked
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Revoke revokes one session.
func (s *Store) Revoke(ctx context.Context, id, reason string) error {
	return s.repo.Revoke(ctx, id, reason, s.now().UTC())
}

// RevokeFamily revokes every session in the family and returns how many were live.
func (s *Store) RevokeFamily(ctx context.Context, familyID, reason string) (int64, error) {
	return s.repo.RevokeFamily(ctx, familyID, reason, s.now().UTC())
}

// RevokeAllForUser is global logout.
func (s *Store) RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error) {
	return s.repo.RevokeAllForUser(ctx, userID, reason, s.now().UTC())
}

// Sweep deletes sessions whose refresh window has ended.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now().UTC())
}
