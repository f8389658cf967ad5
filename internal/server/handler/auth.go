package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"credential-core/internal/authn"
	"credential-core/internal/identity/service"
	"credential-core/internal/security"
	"credential-core/internal/server/httpx"
	"credential-core/internal/session"
)

const maxBodyBytes = 16 << 10

// AuthAPI is the credential lifecycle the auth routes drive.
type AuthAPI interface {
	Login(ctx context.Context, email, password, deviceID string, meta session.DeviceMeta) (*service.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string, meta session.DeviceMeta) (*service.AuthResult, error)
	Logout(ctx context.Context, claims *security.AccessClaims, meta session.DeviceMeta) error
	LogoutAll(ctx context.Context, claims *security.AccessClaims, meta session.DeviceMeta) (int64, error)
	IssuePasswordReset(ctx context.Context, actorID, userID string, meta session.DeviceMeta) (string, time.Time, error)
	ResetPassword(ctx context.Context, token, newPassword string, meta session.DeviceMeta) (int64, error)
}

// AuthHandlers serves login, refresh, logout and the caller's identity.
type AuthHandlers struct {
	svc AuthAPI
	log logrus.FieldLogger
}

// NewAuthHandlers returns AuthHandlers.
func NewAuthHandlers(svc AuthAPI, log logrus.FieldLogger) *AuthHandlers {
	return &AuthHandlers{svc: svc, log: log.WithField("component", "http.auth")}
}

// RegisterRoutes registers the auth routes. /auth/login, /auth/refresh and /auth/password/reset
// must be public.
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh", h.refresh).Methods(http.MethodPost)
	router.HandleFunc("/auth/password/reset", h.resetPassword).Methods(http.MethodPost)
	router.HandleFunc("/auth/logout", h.logout).Methods(http.MethodPost)
	router.HandleFunc("/auth/logout-all", h.logoutAll).Methods(http.MethodPost)
	router.HandleFunc("/api/me", h.me).Methods(http.MethodGet)
}

type loginRequest struct {
	Email             string `json:"email" validate:"required,email,max=254"`
	Password          string `json:"password" validate:"required,max=1024"`
	DeviceID          string `json:"device_id" validate:"omitempty,max=128"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"omitempty,max=512"`
}

type refreshRequest struct {
	RefreshToken      string `json:"refresh_token" validate:"required,max=512"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"omitempty,max=512"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	DeviceID         string    `json:"device_id,omitempty"`
	Roles            []string  `json:"roles"`
}

func newTokenResponse(res *service.AuthResult) tokenResponse {
	roles := res.Roles
	if roles == nil {
		roles = []string{}
	}
	return tokenResponse{
		AccessToken:      res.AccessToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(time.Until(res.AccessExpiresAt).Seconds()),
		ExpiresAt:        res.AccessExpiresAt,
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
		UserID:           res.UserID,
		SessionID:        res.SessionID,
		DeviceID:         res.DeviceID,
		Roles:            roles,
	}
}

func deviceMeta(r *http.Request, fingerprint string) session.DeviceMeta {
	return session.DeviceMeta{IP: httpx.ClientIP(r), UserAgent: r.UserAgent(), Fingerprint: fingerprint}
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httpx.DecodeJSON(w, r, v, maxBodyBytes); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.ErrorBody{Error: "validation failed", Fields: fieldErrors(err)})
		return false
	}
	return true
}

// login handles POST /auth/login
func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password, req.DeviceID, deviceMeta(r, req.DeviceFingerprint))
	if err != nil {
		var locked *service.LockedError
		switch {
		case errors.As(err, &locked):
			retry := int(time.Until(locked.Until).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.WriteError(w, http.StatusTooManyRequests, "account temporarily locked")
		case errors.Is(err, service.ErrInvalidCredentials):
			httpx.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			h.internal(w, r, err)
		}
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, newTokenResponse(res))
}

// refresh handles POST /auth/refresh
func (h *AuthHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Refresh(r.Context(), req.RefreshToken, deviceMeta(r, req.DeviceFingerprint))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidRefreshToken),
			errors.Is(err, session.ErrSessionNotFound),
			errors.Is(err, session.ErrSessionRevoked),
			errors.Is(err, session.ErrSessionExpired),
			errors.Is(err, session.ErrReuseDetected):
			httpx.WriteError(w, http.StatusUnauthorized, "invalid refresh token")
		default:
			h.internal(w, r, err)
		}
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, newTokenResponse(res))
}

// logout handles POST /auth/logout
func (h *AuthHandlers) logout(w http.ResponseWriter, r *http.Request) {
	ac, ok := authn.FromContext(r.Context())
	if !ok {
		httpx.WriteAuthError(w, &authn.AuthenticationError{Kind: authn.KindMissing})
		return
	}
	if err := h.svc.Logout(r.Context(), ac.Claims, deviceMeta(r, "")); err != nil {
		h.internal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// logoutAll handles POST /auth/logout-all
func (h *AuthHandlers) logoutAll(w http.ResponseWriter, r *http.Request) {
	ac, ok := authn.FromContext(r.Context())
	if !ok {
		httpx.WriteAuthError(w, &authn.AuthenticationError{Kind: authn.KindMissing})
		return
	}
	n, err := h.svc.LogoutAll(r.Context(), ac.Claims, deviceMeta(r, ""))
	if err != nil {
		h.internal(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int64{"sessions_revoked": n})
}

// RegisterAdminRoutes registers reset token issuance on a router guarded by an admin role check.
func (h *AuthHandlers) RegisterAdminRoutes(admin *mux.Router) {
	admin.HandleFunc("/users/{user_id}/password-reset", h.issuePasswordReset).Methods(http.MethodPost)
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required,max=256"`
	NewPassword string `json:"new_password" validate:"required,max=1024"`
}

// resetPassword handles POST /auth/password/reset
func (h *AuthHandlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword, deviceMeta(r, ""))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidResetToken):
			httpx.WriteError(w, http.StatusBadRequest, "invalid or expired reset token")
		case errors.Is(err, service.ErrWeakPassword):
			httpx.WriteJSON(w, http.StatusBadRequest, httpx.ErrorBody{Error: "validation failed",
				Fields: map[string]string{"new_password": "must be at least " + strconv.Itoa(service.MinPasswordLength) + " characters"}})
		case errors.Is(err, service.ErrResetDisabled):
			httpx.WriteError(w, http.StatusNotFound, "not found")
		default:
			h.internal(w, r, err)
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int64{"sessions_revoked": n})
}

type resetTokenResponse struct {
	ResetToken string    `json:"reset_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// issuePasswordReset handles POST /admin/users/{user_id}/password-reset
func (h *AuthHandlers) issuePasswordReset(w http.ResponseWriter, r *http.Request) {
	ac, ok := authn.FromContext(r.Context())
	if !ok {
		httpx.WriteAuthError(w, &authn.AuthenticationError{Kind: authn.KindMissing})
		return
	}
	token, exp, err := h.svc.IssuePasswordReset(r.Context(), ac.UserID, mux.Vars(r)["user_id"], deviceMeta(r, ""))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserNotFound):
			httpx.WriteError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, service.ErrResetDisabled):
			httpx.WriteError(w, http.StatusNotFound, "not found")
		default:
			h.internal(w, r, err)
		}
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusCreated, resetTokenResponse{ResetToken: token, ExpiresAt: exp})
}

type meResponse struct {
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id"`
	DeviceID    string   `json:"device_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// me handles GET /api/me
func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	ac, ok := authn.FromContext(r.Context())
	if !ok {
		httpx.WriteAuthError(w, &authn.AuthenticationError{Kind: authn.KindMissing})
		return
	}
	resp := meResponse{UserID: ac.UserID, SessionID: ac.SessionID, DeviceID: ac.DeviceID, Roles: []string{}, Permissions: []string{}}
	if ac.Roles != nil {
		resp.Roles = ac.Roles
	}
	if ac.Permissions != nil {
		for _, p := range ac.Permissions.Permissions {
			resp.Permissions = append(resp.Permissions, p.Name)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *AuthHandlers) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Error("request failed")
	httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
}
