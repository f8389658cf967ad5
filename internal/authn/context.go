package authn

import (
	"context"

	rbacdomain "credential-core/internal/rbac/domain"
	"credential-core/internal/security"
)

// AuthContext is the authenticated caller attached to a request.
type AuthContext struct {
	UserID    string
	SessionID string
	DeviceID  string
	TokenID   string
	// Roles are the caller's current roles from the permission resolver. Claims.Roles keeps the
	// snapshot taken when the token was issued.
	Roles       []string
	Permissions *rbacdomain.PermissionSet
	Claims      *security.AccessClaims
}

// HasRole reports whether the caller holds role.
func (a *AuthContext) HasRole(role string) bool {
	return a != nil && rbacdomain.HasRole(a.Roles, role)
}

type contextKey struct{ name string }

var authKey = contextKey{"auth"}

// WithAuth returns a context carrying ac. Handlers read it back with FromContext.
func WithAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authKey, ac)
}

// FromContext returns the AuthContext from ctx and true if set; otherwise nil, false.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authKey).(*AuthContext)
	return ac, ok && ac != nil
}

// UserID returns the authenticated user id from ctx and true if set; otherwise "", false.
func UserID(ctx context.Context) (string, bool) {
	if ac, ok := FromContext(ctx); ok {
		return ac.UserID, true
	}
	return "", false
}
