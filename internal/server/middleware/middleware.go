// Package middleware holds the HTTP middleware chain: security headers, request metrics and
// logging, the per-route rate limit gate, bearer authentication, and role/permission guards.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"credential-core/internal/authn"
	"credential-core/internal/metrics"
	"credential-core/internal/server/clientip"
	"credential-core/internal/server/httpx"
)

const unmatchedRoute = "unmatched"

// Chain applies mws so that the first one is the outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// SecurityHeaders sets the hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=(), usb=(), accelerometer=(), gyroscope=(), magnetometer=()")
		next.ServeHTTP(w, r)
	})
}

// ClientIP resolves the client address once per request and stores it for httpx.ClientIP.
// X-Forwarded-For and X-Real-IP are only read when RemoteAddr is one of res's trusted proxies.
func ClientIP(res *clientip.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := res.Resolve(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
			next.ServeHTTP(w, r.WithContext(clientip.WithIP(r.Context(), ip)))
		})
	}
}

// Recover turns a panic into a generic 500 and logs the stack.
func Recover(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					log.WithFields(logrus.Fields{"panic": p, "path": r.URL.Path, "stack": string(debug.Stack())}).Error("handler panicked")
					httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// RouteTemplate returns the path template r matches on router, or "unmatched". Templates keep
// metric and rate limit keys bounded.
func RouteTemplate(router *mux.Router, r *http.Request) string {
	var match mux.RouteMatch
	if router == nil || !router.Match(r, &match) || match.Route == nil {
		return unmatchedRoute
	}
	tpl, err := match.Route.GetPathTemplate()
	if err != nil {
		return unmatchedRoute
	}
	return tpl
}

// Metrics records request count, status and latency per route template, and logs each request.
func Metrics(m *metrics.Metrics, router *mux.Router, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := RouteTemplate(router, r)
			d := time.Since(start)
			m.ObserveHTTP(r.Method, route, rw.status, d)
			if log != nil {
				log.WithFields(logrus.Fields{
					"method":      r.Method,
					"route":       route,
					"status":      rw.status,
					"duration_ms": d.Milliseconds(),
				}).Debug("http request")
			}
		})
	}
}

// RateLimit gates every request per (client IP, route template) before authentication runs.
func RateLimit(a *authn.Authenticator, router *mux.Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := httpx.Meta(r)
			d, err := a.CheckRateLimit(r.Context(), meta.IP, RouteTemplate(router, r), meta)
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if err != nil {
				httpx.WriteAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticate validates the bearer token on every route except public ones (by path template)
// and stores the AuthContext on the request. Once the handler returns, the request is audited
// with its route template and response status.
func Authenticate(a *authn.Authenticator, public map[string]bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tpl := unmatchedRoute
			if route := mux.CurrentRoute(r); route != nil {
				if t, err := route.GetPathTemplate(); err == nil {
					tpl = t
				}
			}
			if public[tpl] {
				next.ServeHTTP(w, r)
				return
			}
			meta := httpx.Meta(r)
			token, _ := authn.ParseBearer(r.Header.Get("Authorization"))
			ac, err := a.Authenticate(r.Context(), token, meta)
			if err != nil {
				httpx.WriteAuthError(w, err)
				return
			}
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx := authn.WithAuth(r.Context(), ac)
			next.ServeHTTP(rw, r.WithContext(ctx))
			a.Authenticated(ctx, ac, tpl, strconv.Itoa(rw.status), meta)
		})
	}
}

// RequireRole allows the request when the caller holds any of roles.
func RequireRole(a *authn.Authenticator, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, _ := authn.FromContext(r.Context())
			if err := a.RequireRole(r.Context(), ac, httpx.Meta(r), roles...); err != nil {
				httpx.WriteAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AttributesFunc extracts the attributes a conditional grant is evaluated against.
type AttributesFunc func(r *http.Request) map[string]any

// PathAttributes maps route variables to attribute names, e.g. {"user_id": "owner_id"}.
func PathAttributes(mapping map[string]string) AttributesFunc {
	return func(r *http.Request) map[string]any {
		vars := mux.Vars(r)
		attrs := make(map[string]any, len(mapping))
		for v, attr := range mapping {
			if val, ok := vars[v]; ok {
				attrs[attr] = val
			}
		}
		return attrs
	}
}

// RequirePermission allows the request when the caller may perform action on resource.
// attrs may be nil.
func RequirePermission(a *authn.Authenticator, resource, action string, attrs AttributesFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, _ := authn.FromContext(r.Context())
			var in map[string]any
			if attrs != nil {
				in = attrs(r)
			}
			if err := a.Authorize(r.Context(), ac, resource, action, in, httpx.Meta(r)); err != nil {
				httpx.WriteAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
