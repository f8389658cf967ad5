package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"credential-core/internal/audit"
	"credential-core/internal/authn"
	"credential-core/internal/rbac"
	rbacdomain "credential-core/internal/rbac/domain"
	"credential-core/internal/server/httpx"
	sessiondomain "credential-core/internal/session/domain"
)

// RBACAdmin manages roles and grants.
type RBACAdmin interface {
	CreateRole(ctx context.Context, name, description string) (*rbacdomain.Role, error)
	AssignRole(ctx context.Context, actorID, userID, roleName string) error
	RevokeRole(ctx context.Context, actorID, userID, roleName string) error
	GrantPermission(ctx context.Context, actorID, roleName, permissionName string) error
	RevokePermission(ctx context.Context, actorID, roleName, permissionName string) error
}

// SessionRevoker ends every session of a user.
type SessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error)
}

// AdminHandlers serves role management and forced sign-out. Routes must sit behind an admin role guard.
type AdminHandlers struct {
	rbac     RBACAdmin
	sessions SessionRevoker
	audit    audit.Recorder
	log      logrus.FieldLogger
}

// NewAdminHandlers returns AdminHandlers.
func NewAdminHandlers(rbac RBACAdmin, sessions SessionRevoker, rec audit.Recorder, log logrus.FieldLogger) *AdminHandlers {
	return &AdminHandlers{rbac: rbac, sessions: sessions, audit: rec, log: log.WithField("component", "http.admin")}
}

// RegisterRoutes registers the admin routes on router.
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/roles", h.createRole).Methods(http.MethodPost)
	router.HandleFunc("/users/{user_id}/roles", h.assignRole).Methods(http.MethodPost)
	router.HandleFunc("/users/{user_id}/roles/{role}", h.revokeRole).Methods(http.MethodDelete)
	router.HandleFunc("/roles/{role}/permissions/{permission}", h.grantPermission).Methods(http.MethodPut)
	router.HandleFunc("/roles/{role}/permissions/{permission}", h.revokePermission).Methods(http.MethodDelete)
	router.HandleFunc("/users/{user_id}/sessions/revoke", h.revokeSessions).Methods(http.MethodPost)
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=256"`
}

type roleResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// createRole handles POST /admin/roles
func (h *AdminHandlers) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !decode(w, r, &req) {
		return
	}
	role, err := h.rbac.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, roleResponse{ID: role.ID, Name: role.Name, Description: role.Description, CreatedAt: role.CreatedAt})
}

type assignRoleRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

// assignRole handles POST /admin/users/{user_id}/roles
func (h *AdminHandlers) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.rbac.AssignRole(r.Context(), actor(r), mux.Vars(r)["user_id"], req.Role); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// revokeRole handles DELETE /admin/users/{user_id}/roles/{role}
func (h *AdminHandlers) revokeRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.rbac.RevokeRole(r.Context(), actor(r), vars["user_id"], vars["role"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// grantPermission handles PUT /admin/roles/{role}/permissions/{permission}
func (h *AdminHandlers) grantPermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.rbac.GrantPermission(r.Context(), actor(r), vars["role"], vars["permission"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// revokePermission handles DELETE /admin/roles/{role}/permissions/{permission}
func (h *AdminHandlers) revokePermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.rbac.RevokePermission(r.Context(), actor(r), vars["role"], vars["permission"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// revokeSessions handles POST /admin/users/{user_id}/sessions/revoke
func (h *AdminHandlers) revokeSessions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	n, err := h.sessions.RevokeAllForUser(r.Context(), userID, sessiondomain.RevokeReasonAdmin)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.audit.Record(r.Context(), audit.Event{
		Type:      audit.EventLogoutAll,
		UserID:    userID,
		Resource:  "sessions",
		IP:        httpx.ClientIP(r),
		UserAgent: r.UserAgent(),
		Success:   true,
		Details:   map[string]any{"actor_id": actor(r), "reason": sessiondomain.RevokeReasonAdmin, "sessions_revoked": n},
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]int64{"sessions_revoked": n})
}

func actor(r *http.Request) string {
	id, _ := authn.UserID(r.Context())
	return id
}

func (h *AdminHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrRoleNotFound), errors.Is(err, rbac.ErrPermissionNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rbac.ErrReservedRole), errors.Is(err, rbac.ErrInvalidRoleName):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Error("admin request failed")
		httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
