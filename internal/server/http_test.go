package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-core/internal/audit"
	"credential-core/internal/audit/audittest"
	auditdomain "credential-core/internal/audit/domain"
	"credential-core/internal/authn"
	"credential-core/internal/health"
	"credential-core/internal/identity/service"
	"credential-core/internal/metrics"
	"credential-core/internal/policy/engine"
	rbacdomain "credential-core/internal/rbac/domain"
	"credential-core/internal/security"
	"credential-core/internal/session"
	"credential-core/internal/session/sessiontest"
)

type fakePerms map[string]*rbacdomain.PermissionSet

func (f fakePerms) Resolve(ctx context.Context, userID string) (*rbacdomain.PermissionSet, error) {
	if s, ok := f[userID]; ok {
		return s, nil
	}
	return &rbacdomain.PermissionSet{UserID: userID}, nil
}

type fakeAuthAPI struct {
	loggedOut []string
	resetFor  []string
}

func (f *fakeAuthAPI) Login(ctx context.Context, email, password, deviceID string, meta session.DeviceMeta) (*service.AuthResult, error) {
	if email != "alice@example.com" || password != "correct horse" {
		return nil, service.ErrInvalidCredentials
	}
	return &service.AuthResult{
		AccessToken:      "access",
		AccessExpiresAt:  time.Now().Add(15 * time.Minute),
		RefreshToken:     "refresh",
		RefreshExpiresAt: time.Now().Add(time.Hour),
		UserID:           "alice",
		SessionID:        "s1",
		Roles:            []string{"admin"},
	}, nil
}

func (f *fakeAuthAPI) Refresh(ctx context.Context, refreshToken string, meta session.DeviceMeta) (*service.AuthResult, error) {
	return nil, session.ErrReuseDetected
}

func (f *fakeAuthAPI) Logout(ctx context.Context, claims *security.AccessClaims, meta session.DeviceMeta) error {
	f.loggedOut = append(f.loggedOut, claims.SessionID)
	return nil
}

func (f *fakeAuthAPI) LogoutAll(ctx context.Context, claims *security.AccessClaims, meta session.DeviceMeta) (int64, error) {
	return 3, nil
}

func (f *fakeAuthAPI) IssuePasswordReset(ctx context.Context, actorID, userID string, meta session.DeviceMeta) (string, time.Time, error) {
	if userID == "ghost" {
		return "", time.Time{}, service.ErrUserNotFound
	}
	f.resetFor = append(f.resetFor, actorID+"->"+userID)
	return "reset-token", time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), nil
}

func (f *fakeAuthAPI) ResetPassword(ctx context.Context, token, newPassword string, meta session.DeviceMeta) (int64, error) {
	if token != "reset-token" {
		return 0, service.ErrInvalidResetToken
	}
	if len(newPassword) < service.MinPasswordLength {
		return 0, service.ErrWeakPassword
	}
	return 2, nil
}

type fakeRBAC struct {
	assigned map[string]string
}

func (f *fakeRBAC) CreateRole(ctx context.Context, name, description string) (*rbacdomain.Role, error) {
	return &rbacdomain.Role{ID: "r1", Name: name, Description: description}, nil
}

func (f *fakeRBAC) AssignRole(ctx context.Context, actorID, userID, roleName string) error {
	f.assigned[userID] = roleName
	return nil
}

func (f *fakeRBAC) RevokeRole(ctx context.Context, actorID, userID, roleName string) error { return nil }

func (f *fakeRBAC) GrantPermission(ctx context.Context, actorID, roleName, permissionName string) error {
	return nil
}

func (f *fakeRBAC) RevokePermission(ctx context.Context, actorID, roleName, permissionName string) error {
	return nil
}

type fakeAuditRepo struct{}

func (fakeAuditRepo) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*auditdomain.Entry, error) {
	return []*auditdomain.Entry{{ID: "a1", UserID: userID, EventType: "login_success", Severity: "low", Success: true}}, nil
}

type api struct {
	handler  http.Handler
	tokens   *security.TokenIssuer
	sessions *session.Store
	authAPI  *fakeAuthAPI
	rbac     *fakeRBAC
	rec      *audittest.Recorder
}

func newAPI(t *testing.T) *api {
	t.Helper()
	log, _ := test.NewNullLogger()
	tokens, ring, err := security.NewTestTokenIssuer(nil)
	require.NoError(t, err)
	eval, err := engine.NewOPAEvaluator(8)
	require.NoError(t, err)
	cond, err := json.Marshal(map[string]string{"rego": `allow if { input.subject.id == input.attributes.owner_id }`})
	require.NoError(t, err)
	perms := fakePerms{
		"alice": {UserID: "alice", Roles: []string{"admin"}},
		"bob": {UserID: "bob", Roles: []string{"user"}, Permissions: []rbacdomain.Permission{
			{Name: "users_read_own", Resource: "users", Action: "read", Condition: cond},
		}},
	}
	a := &api{tokens: tokens, authAPI: &fakeAuthAPI{}, rbac: &fakeRBAC{assigned: map[string]string{}}, rec: &audittest.Recorder{}}
	a.sessions = session.NewStore(sessiontest.NewMemRepo(), a.rec, security.NewPseudonymizer("salt"), time.Hour, log)
	auth := authn.NewAuthenticator(tokens, a.sessions, perms, a.rec, log, authn.WithConditionEvaluator(eval))
	a.handler = NewHTTPHandler(HTTPDeps{
		Auth:      auth,
		AuthAPI:   a.authAPI,
		RBAC:      a.rbac,
		Sessions:  a.sessions,
		AuditRepo: fakeAuditRepo{},
		Audit:     a.rec,
		Keys:      ring,
		Health:    health.NewChecker(nil, eval, time.Second),
		Metrics:   metrics.New(nil),
		Log:       log,
	})
	return a
}

func (a *api) bearer(t *testing.T, userID string) string {
	t.Helper()
	issued, err := a.sessions.CreateSession(context.Background(), userID, "", session.DeviceMeta{})
	require.NoError(t, err)
	tok, _, _, err := a.tokens.IssueAccessToken(userID, issued.Session.ID, issued.Session.DeviceID, nil, time.Minute)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (a *api) do(method, path, auth, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if auth != "" {
		r.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)
	return w
}

func TestHTTP_PublicRoutes(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodGet, "/.well-known/jwks.json", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=300", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), `"kid":"test-kid"`)

	w = a.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"policy_engine":"ok"`)

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/metrics", "", "").Code)
}

func TestHTTP_SecurityHeadersOnEveryResponse(t *testing.T) {
	a := newAPI(t)
	for _, path := range []string{"/healthz", "/api/me", "/does-not-exist"} {
		w := a.do(http.MethodGet, path, "", "")
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"), path)
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"), path)
	}
}

func TestHTTP_Login(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/auth/login", "", `{"email":"alice@example.com","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "access", resp["access_token"])
	assert.Equal(t, "Bearer", resp["token_type"])
	assert.Equal(t, "refresh", resp["refresh_token"])

	w = a.do(http.MethodPost, "/auth/login", "", `{"email":"alice@example.com","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, w.Body.String())
}

func TestHTTP_LoginValidation(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/auth/login", "", `{"email":"not-an-email","password":""}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation failed", body.Error)
	assert.Equal(t, "invalid email format", body.Fields["email"])
	assert.Equal(t, "password is required", body.Fields["password"])

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/auth/login", "", `{"email":`).Code)
}

func TestHTTP_RefreshReuseIsUnauthorized(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodPost, "/auth/refresh", "", `{"refresh_token":"stolen"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"invalid refresh token"}`, w.Body.String())
}

func TestHTTP_ProtectedRoutes(t *testing.T) {
	a := newAPI(t)

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/me", "", "").Code)

	w := a.do(http.MethodGet, "/api/me", a.bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"alice"`)
	assert.Contains(t, w.Body.String(), `"roles":["admin"]`)

	assert.Equal(t, http.StatusNoContent, a.do(http.MethodPost, "/auth/logout", a.bearer(t, "alice"), "").Code)
	assert.Len(t, a.authAPI.loggedOut, 1)

	w = a.do(http.MethodPost, "/auth/logout-all", a.bearer(t, "alice"), "")
	assert.JSONEq(t, `{"sessions_revoked":3}`, w.Body.String())
}

func TestHTTP_AdminRequiresRole(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/admin/users/bob/roles", a.bearer(t, "bob"), `{"role":"editor"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 1, a.rec.Count(audit.EventRoleDenied))
	assert.Empty(t, a.rbac.assigned)

	w = a.do(http.MethodPost, "/admin/users/bob/roles", a.bearer(t, "alice"), `{"role":"editor"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "editor", a.rbac.assigned["bob"])

	w = a.do(http.MethodPost, "/admin/roles", a.bearer(t, "alice"), `{"name":"auditor"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHTTP_AdminRevokeSessions(t *testing.T) {
	a := newAPI(t)
	victim := a.bearer(t, "bob")

	w := a.do(http.MethodPost, "/admin/users/bob/sessions/revoke", a.bearer(t, "alice"), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions_revoked":1}`, w.Body.String())
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/me", victim, "").Code)
}

func TestHTTP_AuditTrailOwnerOnly(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodGet, "/api/users/bob/audit", a.bearer(t, "bob"), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"event_type":"login_success"`)

	w = a.do(http.MethodGet, "/api/users/alice/audit", a.bearer(t, "bob"), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHTTP_PasswordReset(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/admin/users/bob/password-reset", a.bearer(t, "bob"), "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(http.MethodPost, "/admin/users/bob/password-reset", a.bearer(t, "alice"), "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"reset_token":"reset-token","expires_at":"2026-03-01T12:30:00Z"}`, w.Body.String())
	assert.Equal(t, []string{"alice->bob"}, a.authAPI.resetFor)

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/admin/users/ghost/password-reset", a.bearer(t, "alice"), "").Code)

	w = a.do(http.MethodPost, "/auth/password/reset", "", `{"token":"reset-token","new_password":"new secret value"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions_revoked":2}`, w.Body.String())

	w = a.do(http.MethodPost, "/auth/password/reset", "", `{"token":"used","new_password":"new secret value"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid or expired reset token"}`, w.Body.String())

	w = a.do(http.MethodPost, "/auth/password/reset", "", `{"token":"reset-token","new_password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "new_password")
}

func TestHTTP_AuthenticatedRequestsAudited(t *testing.T) {
	a := newAPI(t)

	a.do(http.MethodGet, "/healthz", "", "")
	assert.Zero(t, a.rec.Count(audit.EventRequestAuthenticated))

	require.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/users/bob/audit", a.bearer(t, "bob"), "").Code)
	ev, ok := a.rec.Last(audit.EventRequestAuthenticated)
	require.True(t, ok)
	assert.Equal(t, "bob", ev.UserID)
	assert.Equal(t, "/api/users/{user_id}/audit", ev.Resource)
	assert.Equal(t, "200", ev.Details["status"])
}
