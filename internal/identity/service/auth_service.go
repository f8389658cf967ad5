// Package service implements password login, refresh rotation and logout on top of the session
// store, the token issuer and the permission resolver.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"credential-core/internal/audit"
	rbacdomain "credential-core/internal/rbac/domain"
	revocationdomain "credential-core/internal/revocation/domain"
	"credential-core/internal/security"
	"credential-core/internal/session"
	sessiondomain "credential-core/internal/session/domain"
	userdomain "credential-core/internal/user/domain"
)

// Sentinel errors for the auth service; HTTP and gRPC adapters map them to status codes.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked carries no detail about the account; LockedError adds the remaining time.
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrInvalidResetToken covers unknown, expired and already used reset tokens alike.
	ErrInvalidResetToken = errors.New("invalid or expired reset token")
	ErrUserNotFound      = errors.New("user not found")
	ErrWeakPassword      = errors.New("password does not meet requirements")
	ErrResetDisabled     = errors.New("password reset is not configured")
)

// MinPasswordLength is the shortest password ResetPassword accepts.
const MinPasswordLength = 8

// LockedError is returned while an account is locked out.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string { return ErrAccountLocked.Error() }

// Unwrap lets errors.Is match ErrAccountLocked.
func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// AuthResult holds the outcome of Login or Refresh.
type AuthResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	UserID           string
	SessionID        string
	DeviceID         string
	Roles            []string
}

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	GetCredentials(ctx context.Context, userID string) (*userdomain.Credentials, error)
	RecordFailedLogin(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, at time.Time) (int, *time.Time, error)
	RecordSuccessfulLogin(ctx context.Context, userID string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error
}

// Sessions is the subset of session.Store the auth service drives.
type Sessions interface {
	Peek(ctx context.Context, presented string) (*sessiondomain.Session, error)
	CreateSession(ctx context.Context, userID, deviceID string, meta session.DeviceMeta) (*session.Issued, error)
	Rotate(ctx context.Context, presented string, meta session.DeviceMeta) (*session.Issued, error)
	Revoke(ctx context.Context, id, reason string) error
	RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error)
}

// PermissionSource resolves the roles snapshotted into access tokens.
type PermissionSource interface {
	Resolve(ctx context.Context, userID string) (*rbacdomain.PermissionSet, error)
}

// TokenRevoker persists revoked access-token jtis.
type TokenRevoker interface {
	Revoke(ctx context.Context, t *revocationdomain.RevokedToken) error
}

// PasswordResets stores reset tokens by hash. See the user repository for Consume's contract.
type PasswordResets interface {
	Create(ctx context.Context, r *userdomain.PasswordReset) error
	Consume(ctx context.Context, tokenHash, passwordHash string, at time.Time) (string, error)
}

// Config holds the auth service's tunables.
type Config struct {
	AccessTTL       time.Duration
	MaxFailedLogins int
	LockoutDuration time.Duration
	// ResetTTL is the lifetime of a password reset token; default 30m.
	ResetTTL time.Duration
}

// AuthService implements password login, refresh, logout and global logout.
type AuthService struct {
	users    UserRepo
	sessions Sessions
	perms    PermissionSource
	revoker  TokenRevoker
	resets   PasswordResets
	hasher   *security.Hasher
	tokens   *security.TokenIssuer
	audit    audit.Recorder
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

// Option configures an AuthService.
type Option func(*AuthService)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

// WithPasswordResets enables IssuePasswordReset and ResetPassword.
func WithPasswordResets(r PasswordResets) Option {
	return func(s *AuthService) { s.resets = r }
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(
	users UserRepo,
	sessions Sessions,
	perms PermissionSource,
	revoker TokenRevoker,
	hasher *security.Hasher,
	tokens *security.TokenIssuer,
	rec audit.Recorder,
	cfg Config,
	log logrus.FieldLogger,
	opts ...Option,
) *AuthService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.MaxFailedLogins <= 0 {
		cfg.MaxFailedLogins = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = 30 * time.Minute
	}
	s := &AuthService{
		users:    users,
		sessions: sessions,
		perms:    perms,
		revoker:  revoker,
		hasher:   hasher,
		tokens:   tokens,
		audit:    rec,
		cfg:      cfg,
		log:      log.WithField("component", "auth"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Login authenticates with email and password, starts a session for deviceID (minted when empty)
// and returns an access token carrying the user's current roles plus the session's refresh token.
func (s *AuthService) Login(ctx context.Context, email, password, deviceID string, meta session.DeviceMeta) (*AuthResult, error) {
	email = userdomain.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	var creds *userdomain.Credentials
	if user != nil && user.Active {
		if creds, err = s.users.GetCredentials(ctx, user.ID); err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
	}
	if creds == nil {
		_ = s.hasher.CompareDummy([]byte(password))
		s.loginFailed(ctx, "", meta, "unknown_or_inactive")
		return nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	if creds.Locked(now) {
		_ = s.hasher.CompareDummy([]byte(password))
		s.loginFailed(ctx, user.ID, meta, "locked")
		return nil, &LockedError{Until: *creds.LockedUntil}
	}
	if err := s.hasher.Compare(creds.PasswordHash, []byte(password)); err != nil {
		s.passwordMismatch(ctx, user.ID, meta, now)
		return nil, ErrInvalidCredentials
	}

	if err := s.users.RecordSuccessfulLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	if s.hasher.NeedsRehash(creds.PasswordHash) {
		s.rehash(ctx, user.ID, password, now)
	}

	roles, err := s.roles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	issued, err := s.sessions.CreateSession(ctx, user.ID, deviceID, meta)
	if err != nil {
		return nil, err
	}
	res, err := s.issue(issued, roles)
	if err != nil {
		if rerr := s.sessions.Revoke(context.WithoutCancel(ctx), issued.Session.ID, sessiondomain.RevokeReasonAdmin); rerr != nil {
			s.log.WithError(rerr).WithField("session_id", issued.Session.ID).Error("revoke session after failed issuance")
		}
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventLoginSuccess,
		UserID:    user.ID,
		SessionID: res.SessionID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   map[string]any{"device_id": res.DeviceID},
	})
	return res, nil
}

func (s *AuthService) passwordMismatch(ctx context.Context, userID string, meta session.DeviceMeta, now time.Time) {
	attempts, lockedUntil, err := s.users.RecordFailedLogin(ctx, userID, s.cfg.MaxFailedLogins, s.cfg.LockoutDuration, now)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("record failed login")
	}
	s.loginFailed(ctx, userID, meta, "bad_password")
	if lockedUntil != nil {
		s.audit.Record(ctx, audit.Event{
			Type:      audit.EventAccountLocked,
			UserID:    userID,
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
			Details:   map[string]any{"locked_until": lockedUntil.Format(time.RFC3339), "max_attempts": s.cfg.MaxFailedLogins},
		})
		s.log.WithField("user_id", userID).Warn("account locked after repeated failed logins")
		return
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "attempts": attempts}).Debug("login failed")
}

func (s *AuthService) loginFailed(ctx context.Context, userID string, meta session.DeviceMeta, reason string) {
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventLoginFailure,
		UserID:    userID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Details:   map[string]any{"reason": reason},
	})
}

func (s *AuthService) rehash(ctx context.Context, userID, password string, now time.Time) {
	hash, err := s.hasher.Hash([]byte(password))
	if err == nil {
		err = s.users.UpdatePasswordHash(ctx, userID, hash, now)
	}
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("password rehash failed")
	}
}

// Refresh rotates the presented refresh token and issues a new access token with freshly resolved
// roles. Roles are resolved and the access token signed before the rotation commits, so a transient
// failure leaves the presented token current and the client can retry it. Session errors
// (including session.ErrReuseDetected) are returned unchanged.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta session.DeviceMeta) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, session.ErrInvalidRefreshToken
	}
	sess, err := s.sessions.Peek(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	roles, err := s.roles(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	token, exp, err := s.accessToken(sess, roles)
	if err != nil {
		return nil, err
	}
	issued, err := s.sessions.Rotate(ctx, refreshToken, meta)
	if err != nil {
		return nil, err
	}
	res := result(issued, roles, token, exp)
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventTokenRefreshed,
		UserID:    res.UserID,
		SessionID: res.SessionID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   map[string]any{"rotation": issued.Session.RotationCount},
	})
	return res, nil
}

// Logout ends the session behind claims and revokes the presented access token until it expires.
func (s *AuthService) Logout(ctx context.Context, claims *security.AccessClaims, meta session.DeviceMeta) error {
	if claims == nil {
		return ErrInvalidCredentials
	}
	if err := s.sessions.Revoke(ctx, claims.SessionID, sessiondomain.RevokeReasonLogout); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if err := s.revokeAccess(ctx, claims, sessiondomain.RevokeReasonLogout); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventLogout,
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
	})
	return nil
}

// LogoutAll revokes every session of the caller. Access tokens of other sessions stop working at
// the request-path session check; the presented one is also put on the revocation list.
func (s *AuthService) LogoutAll(ctx context.Context, claims *security.AccessClaims, meta session.DeviceMeta) (int64, error) {
	if claims == nil {
		return 0, ErrInvalidCredentials
	}
	n, err := s.sessions.RevokeAllForUser(ctx, claims.Subject, sessiondomain.RevokeReasonLogoutAll)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	if err := s.revokeAccess(ctx, claims, sessiondomain.RevokeReasonLogoutAll); err != nil {
		return n, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventLogoutAll,
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   map[string]any{"sessions_revoked": n},
	})
	return n, nil
}

// IssuePasswordReset mints a single-use reset token for an active user on behalf of actorID. The raw
// token is returned once for out-of-band delivery; only its SHA-256 is stored.
func (s *AuthService) IssuePasswordReset(ctx context.Context, actorID, userID string, meta session.DeviceMeta) (string, time.Time, error) {
	if s.resets == nil {
		return "", time.Time{}, ErrResetDisabled
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load user: %w", err)
	}
	if user == nil || !user.Active {
		return "", time.Time{}, ErrUserNotFound
	}
	token, err := security.GenerateResetToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate reset token: %w", err)
	}
	now := s.now().UTC()
	pr := &userdomain.PasswordReset{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: security.HashResetToken(token),
		ExpiresAt: now.Add(s.cfg.ResetTTL),
		CreatedAt: now,
	}
	if err := s.resets.Create(ctx, pr); err != nil {
		return "", time.Time{}, fmt.Errorf("store reset token: %w", err)
	}
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventPasswordResetRequest,
		UserID:    user.ID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   map[string]any{"actor_id": actorID, "reset_id": pr.ID, "expires_at": pr.ExpiresAt.Format(time.RFC3339)},
	})
	return token, pr.ExpiresAt, nil
}

// ResetPassword redeems token, stores newPassword and revokes every session of the user. It returns
// the number of sessions revoked.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string, meta session.DeviceMeta) (int64, error) {
	if s.resets == nil {
		return 0, ErrResetDisabled
	}
	if token == "" {
		return 0, ErrInvalidResetToken
	}
	if len(newPassword) < MinPasswordLength {
		return 0, ErrWeakPassword
	}
	hash, err := s.hasher.Hash([]byte(newPassword))
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	userID, err := s.resets.Consume(ctx, security.HashResetToken(token), hash, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("consume reset token: %w", err)
	}
	if userID == "" {
		s.audit.Record(ctx, audit.Event{
			Type:      audit.EventPasswordReset,
			Severity:  audit.SeverityMedium,
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
			Details:   map[string]any{"reason": "invalid_token"},
		})
		return 0, ErrInvalidResetToken
	}
	// The password already changed; the old sessions must go even if the caller disconnects.
	n, err := s.sessions.RevokeAllForUser(context.WithoutCancel(ctx), userID, sessiondomain.RevokeReasonPasswordReset)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("revoke sessions after password reset")
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventPasswordReset,
		UserID:    userID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   map[string]any{"sessions_revoked": n},
	})
	return n, nil
}

func (s *AuthService) revokeAccess(ctx context.Context, claims *security.AccessClaims, reason string) error {
	if s.revoker == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	err := s.revoker.Revoke(ctx, &revocationdomain.RevokedToken{
		JTI:       claims.ID,
		UserID:    claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
		Reason:    reason,
		RevokedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *AuthService) roles(ctx context.Context, userID string) ([]string, error) {
	set, err := s.perms.Resolve(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	return set.Roles, nil
}

func (s *AuthService) issue(issued *session.Issued, roles []string) (*AuthResult, error) {
	token, exp, err := s.accessToken(issued.Session, roles)
	if err != nil {
		return nil, err
	}
	return result(issued, roles, token, exp), nil
}

func (s *AuthService) accessToken(sess *sessiondomain.Session, roles []string) (string, time.Time, error) {
	token, _, exp, err := s.tokens.IssueAccessToken(sess.UserID, sess.ID, sess.DeviceID, roles, s.cfg.AccessTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue access token: %w", err)
	}
	return token, exp, nil
}

func result(issued *session.Issued, roles []string, token string, exp time.Time) *AuthResult {
	sess := issued.Session
	return &AuthResult{
		AccessToken:      token,
		AccessExpiresAt:  exp,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: sess.ExpiresAt,
		UserID:           sess.UserID,
		SessionID:        sess.ID,
		DeviceID:         sess.DeviceID,
		Roles:            roles,
	}
}
