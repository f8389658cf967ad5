package handler

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"credential-core/internal/health"
	"credential-core/internal/server/httpx"
)

// KeySource publishes the verification keys as a JWK Set.
type KeySource interface {
	JWKSJSON() ([]byte, error)
}

// JWKS handles GET /.well-known/jwks.json. Retired keys still in grace are included.
func JWKS(keys KeySource, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := keys.JWKSJSON()
		if err != nil {
			log.WithError(err).Error("render jwks")
			httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

// Healthz handles GET /healthz: 200 when every dependency answers, 503 otherwise.
func Healthz(checker *health.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := checker.Check(r.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		httpx.WriteJSON(w, status, report)
	}
}
