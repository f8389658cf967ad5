package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"credential-core/internal/audit"
	"credential-core/internal/authn"
	"credential-core/internal/health"
	"credential-core/internal/metrics"
	rbacdomain "credential-core/internal/rbac/domain"
	"credential-core/internal/server/clientip"
	"credential-core/internal/server/handler"
	"credential-core/internal/server/httpx"
	"credential-core/internal/server/middleware"
)

// PublicHTTPRoutes are the path templates served without a Bearer token. They are still rate limited.
var PublicHTTPRoutes = map[string]bool{
	"/auth/login":            true,
	"/auth/refresh":          true,
	"/auth/password/reset":   true,
	"/.well-known/jwks.json": true,
	"/healthz":               true,
	"/metrics":               true,
}

// HTTPDeps holds what the HTTP API needs.
type HTTPDeps struct {
	Auth      *authn.Authenticator
	AuthAPI   handler.AuthAPI
	RBAC      handler.RBACAdmin
	Sessions  handler.SessionRevoker
	AuditRepo handler.AuditLister
	Audit     audit.Recorder
	Keys      handler.KeySource
	Health    *health.Checker
	Metrics   *metrics.Metrics
	// Proxies lists the reverse proxies whose forwarding headers are believed. Nil trusts none.
	Proxies *clientip.Resolver
	Log     logrus.FieldLogger
}

// NewHTTPHandler builds the router and wraps it in the middleware chain: security headers and
// client address resolution, then panic recovery and metrics, then the rate limit gate. Authentication runs inside the router so
// it can see which route matched.
func NewHTTPHandler(deps HTTPDeps) http.Handler {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not found")
	})
	router.Use(middleware.Authenticate(deps.Auth, PublicHTTPRoutes))

	router.HandleFunc("/.well-known/jwks.json", handler.JWKS(deps.Keys, log)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handler.Healthz(deps.Health)).Methods(http.MethodGet)
	router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)

	authHandlers := handler.NewAuthHandlers(deps.AuthAPI, log)
	authHandlers.RegisterRoutes(router)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireRole(deps.Auth, string(rbacdomain.RoleAdmin), string(rbacdomain.RoleSuperAdmin)))
	handler.NewAdminHandlers(deps.RBAC, deps.Sessions, deps.Audit, log).RegisterRoutes(admin)
	authHandlers.RegisterAdminRoutes(admin)

	audits := handler.NewAuditHandlers(deps.AuditRepo, log)
	router.Handle("/api/users/{user_id}/audit",
		middleware.RequirePermission(deps.Auth, "users", "read",
			middleware.PathAttributes(map[string]string{"user_id": "owner_id"}),
		)(http.HandlerFunc(audits.ListByUser)),
	).Methods(http.MethodGet)

	return middleware.Chain(router,
		middleware.SecurityHeaders,
		middleware.ClientIP(deps.Proxies),
		middleware.Recover(log),
		middleware.Metrics(deps.Metrics, router, log),
		middleware.RateLimit(deps.Auth, router),
	)
}
