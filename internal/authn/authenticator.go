// Package authn is the request-path pipeline shared by the HTTP and gRPC surfaces: rate limit gate,
// bearer token validation, session check, permission resolution, and RBAC/ABAC decisions, each
// outcome audited.
package authn

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"credential-core/internal/audit"
	"credential-core/internal/metrics"
	"credential-core/internal/policy/engine"
	"credential-core/internal/ratelimit"
	rbacdomain "credential-core/internal/rbac/domain"
	"credential-core/internal/security"
	"credential-core/internal/session"
	sessiondomain "credential-core/internal/session/domain"
	userdomain "credential-core/internal/user/domain"
)

const bearerPrefix = "bearer "

// TokenValidator validates access tokens.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (*security.AccessClaims, error)
}

// SessionValidator is the request-path session check.
type SessionValidator interface {
	Validate(ctx context.Context, id string) (*sessiondomain.Session, error)
}

// PermissionResolver resolves a user's current roles and permissions.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID string) (*rbacdomain.PermissionSet, error)
}

// UserLookup loads the user behind a token, so disabled accounts stop working immediately.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// RequestMeta is the raw client metadata of one request. It only reaches storage hashed.
type RequestMeta struct {
	IP        string
	UserAgent string
	Method    string
	Path      string
}

// Authenticator runs the request-path checks. It holds no per-request state.
type Authenticator struct {
	tokens     TokenValidator
	sessions   SessionValidator
	perms      PermissionResolver
	users      UserLookup
	limiter    ratelimit.Limiter
	conditions engine.ConditionEvaluator
	audit      audit.Recorder
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithUsers enables the active-user check.
func WithUsers(u UserLookup) Option {
	return func(a *Authenticator) { a.users = u }
}

// WithLimiter enables the rate limit gate. Without it every request is allowed.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(a *Authenticator) { a.limiter = l }
}

// WithConditionEvaluator enables conditional (ABAC) grants. Without it they never match.
func WithConditionEvaluator(e engine.ConditionEvaluator) Option {
	return func(a *Authenticator) { a.conditions = e }
}

// WithMetrics counts outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

// NewAuthenticator returns an Authenticator.
func NewAuthenticator(tokens TokenValidator, sessions SessionValidator, perms PermissionResolver, rec audit.Recorder, log logrus.FieldLogger, opts ...Option) *Authenticator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &Authenticator{
		tokens:   tokens,
		sessions: sessions,
		perms:    perms,
		audit:    rec,
		log:      log.WithField("component", "authn"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(v[len(bearerPrefix):])
	return tok, tok != ""
}

// CheckRateLimit consumes one request of clientKey's budget for endpoint. A denial is audited
// and returned as *RateLimitError; the decision is returned either way for response headers.
func (a *Authenticator) CheckRateLimit(ctx context.Context, clientKey, endpoint string, meta RequestMeta) (ratelimit.Decision, error) {
	if a.limiter == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	d := a.limiter.Allow(ctx, clientKey, endpoint)
	if d.Allowed {
		return d, nil
	}
	a.metrics.RateLimited(endpoint)
	a.metrics.AuthOutcome("rate_limited")
	a.audit.Record(ctx, audit.Event{
		Type:      audit.EventRateLimited,
		Resource:  endpoint,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Details:   map[string]any{"method": meta.Method, "limit": d.Limit, "retry_after_ms": d.RetryAfter.Milliseconds()},
	})
	return d, &RateLimitError{Limit: d.Limit, RetryAfter: d.RetryAfter}
}

// Authenticate turns a bearer token into an AuthContext: token, then session, then user, then
// permissions. Every failure is audited. Permission resolution errors deny.
func (a *Authenticator) Authenticate(ctx context.Context, token string, meta RequestMeta) (*AuthContext, error) {
	if token == "" {
		return nil, a.reject(ctx, &AuthenticationError{Kind: KindMissing}, nil, meta)
	}
	claims, err := a.tokens.ValidateAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, security.ErrRevocationCheck) {
			return nil, a.internal(ctx, err, nil, meta)
		}
		return nil, a.reject(ctx, &AuthenticationError{Kind: tokenKind(err), Err: err}, nil, meta)
	}
	if _, err := a.sessions.Validate(ctx, claims.SessionID); err != nil {
		kind, ok := sessionKind(err)
		if !ok {
			return nil, a.internal(ctx, err, claims, meta)
		}
		return nil, a.reject(ctx, &AuthenticationError{Kind: kind, Err: err}, claims, meta)
	}
	if a.users != nil {
		u, err := a.users.GetByID(ctx, claims.Subject)
		if err != nil {
			return nil, a.internal(ctx, err, claims, meta)
		}
		if u == nil || !u.Active {
			return nil, a.reject(ctx, &AuthenticationError{Kind: KindUserInactive}, claims, meta)
		}
	}
	set, err := a.perms.Resolve(ctx, claims.Subject)
	if err != nil {
		return nil, a.internal(ctx, err, claims, meta)
	}
	a.metrics.AuthOutcome("success")
	return &AuthContext{
		UserID:      claims.Subject,
		SessionID:   claims.SessionID,
		DeviceID:    claims.DeviceID,
		TokenID:     claims.ID,
		Roles:       set.Roles,
		Permissions: set,
		Claims:      claims,
	}, nil
}

// Authenticated records that ac completed a request on route with the given outcome. route is the
// path template (or full gRPC method) and status the HTTP status or gRPC code name.
func (a *Authenticator) Authenticated(ctx context.Context, ac *AuthContext, route, status string, meta RequestMeta) {
	if ac == nil {
		return
	}
	a.audit.Record(ctx, audit.Event{
		Type:      audit.EventRequestAuthenticated,
		UserID:    ac.UserID,
		SessionID: ac.SessionID,
		Action:    meta.Method,
		Resource:  route,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
		Details:   map[string]any{"method": meta.Method, "status": status},
	})
}

// Authorize allows ac to perform action on resource when an unconditional grant matches, or when
// a conditional grant's condition holds for attrs. Undecidable conditions deny.
func (a *Authenticator) Authorize(ctx context.Context, ac *AuthContext, resource, action string, attrs map[string]any, meta RequestMeta) error {
	if ac == nil {
		return a.reject(ctx, &AuthenticationError{Kind: KindMissing}, nil, meta)
	}
	if rbacdomain.HasPermission(ac.Permissions, resource, action) {
		return nil
	}
	if a.conditions != nil && rbacdomain.Contains(ac.Permissions, resource, action) {
		in := engine.Input{
			Subject:    engine.Subject{ID: ac.UserID, Roles: ac.Roles, SessionID: ac.SessionID, DeviceID: ac.DeviceID},
			Resource:   resource,
			Action:     action,
			Attributes: attrs,
		}
		for _, p := range rbacdomain.ConditionalGrants(ac.Permissions, resource, action) {
			ok, err := a.conditions.Evaluate(ctx, p.Condition, in)
			if err != nil {
				a.log.WithError(err).WithFields(logrus.Fields{"permission": p.Name, "user_id": ac.UserID}).Warn("permission condition undecidable; denying")
				continue
			}
			if ok {
				return nil
			}
		}
	}
	denied := &AuthorizationError{Resource: resource, Action: action}
	a.metrics.AuthOutcome("forbidden")
	a.audit.Record(ctx, audit.Event{
		Type:      audit.EventPermissionDenied,
		UserID:    ac.UserID,
		SessionID: ac.SessionID,
		Action:    action,
		Resource:  resource,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Details:   map[string]any{"method": meta.Method, "path": meta.Path},
	})
	return denied
}

// RequireRole allows ac when it holds any of roles.
func (a *Authenticator) RequireRole(ctx context.Context, ac *AuthContext, meta RequestMeta, roles ...string) error {
	if ac == nil {
		return a.reject(ctx, &AuthenticationError{Kind: KindMissing}, nil, meta)
	}
	for _, r := range roles {
		if ac.HasRole(r) {
			return nil
		}
	}
	a.metrics.AuthOutcome("forbidden")
	a.audit.Record(ctx, audit.Event{
		Type:      audit.EventRoleDenied,
		UserID:    ac.UserID,
		SessionID: ac.SessionID,
		Resource:  meta.Path,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Details:   map[string]any{"required_roles": roles, "method": meta.Method},
	})
	return &AuthorizationError{Role: strings.Join(roles, "|")}
}

func (a *Authenticator) reject(ctx context.Context, err *AuthenticationError, claims *security.AccessClaims, meta RequestMeta) error {
	a.metrics.AuthOutcome(string(err.Kind))
	ev := audit.Event{
		Type:      audit.EventTokenInvalid,
		Severity:  authSeverity(err.Kind),
		Resource:  meta.Path,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Details:   map[string]any{"kind": string(err.Kind), "method": meta.Method},
	}
	if claims != nil {
		ev.UserID = claims.Subject
		ev.SessionID = claims.SessionID
	}
	a.audit.Record(ctx, ev)
	return err
}

// internal logs the cause with full context and returns it; callers answer with a generic 500.
func (a *Authenticator) internal(ctx context.Context, err error, claims *security.AccessClaims, meta RequestMeta) error {
	entry := a.log.WithError(err).WithFields(logrus.Fields{"method": meta.Method, "path": meta.Path})
	ev := audit.Event{
		Type:      audit.EventMiddlewareError,
		Resource:  meta.Path,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Details:   map[string]any{"method": meta.Method},
	}
	if claims != nil {
		entry = entry.WithFields(logrus.Fields{"user_id": claims.Subject, "session_id": claims.SessionID})
		ev.UserID = claims.Subject
		ev.SessionID = claims.SessionID
	}
	entry.Error("authentication pipeline failed")
	a.metrics.AuthOutcome("error")
	a.audit.Record(ctx, ev)
	return err
}

func tokenKind(err error) Kind {
	switch {
	case errors.Is(err, security.ErrExpired):
		return KindExpired
	case errors.Is(err, security.ErrRevoked):
		return KindRevoked
	case errors.Is(err, security.ErrUnknownKey):
		return KindUnknownKey
	case errors.Is(err, security.ErrSignatureInvalid):
		return KindSignatureInvalid
	default:
		return KindMalformed
	}
}

func sessionKind(err error) (Kind, bool) {
	switch {
	case errors.Is(err, session.ErrSessionRevoked), errors.Is(err, session.ErrSessionNotFound):
		return KindSessionRevoked, true
	case errors.Is(err, session.ErrSessionExpired):
		return KindSessionExpired, true
	}
	return "", false
}

// authSeverity separates routine expiry from failures that look like probing.
func authSeverity(k Kind) audit.Severity {
	switch k {
	case KindExpired, KindMissing, KindSessionExpired:
		return audit.SeverityLow
	case KindReuseDetected:
		return audit.SeverityCritical
	default:
		return audit.SeverityMedium
	}
}
