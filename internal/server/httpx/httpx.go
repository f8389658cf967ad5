// Package httpx holds the JSON response helpers and client metadata extraction shared by the
// HTTP middleware and handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"credential-core/internal/authn"
	"credential-core/internal/server/clientip"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg} with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteAuthError answers with the status and generic message for err. Rate limit denials also
// carry Retry-After.
func WriteAuthError(w http.ResponseWriter, err error) {
	var rl *authn.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
	}
	WriteError(w, authn.Status(err), authn.Message(err))
}

// DecodeJSON reads a JSON body of at most maxBytes into v. Unknown fields are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any, maxBytes int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ClientIP returns the address resolved by the ClientIP middleware, or the RemoteAddr host when
// the middleware did not run. Forwarding headers are never read here.
func ClientIP(r *http.Request) string {
	if ip, ok := clientip.FromContext(r.Context()); ok {
		return ip
	}
	var none *clientip.Resolver
	return none.Resolve(r.RemoteAddr, "", "")
}

// Meta builds the authn request metadata for r.
func Meta(r *http.Request) authn.RequestMeta {
	return authn.RequestMeta{
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
}
