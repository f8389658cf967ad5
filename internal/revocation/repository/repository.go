package repository

import (
	"context"
	"time"

	"credential-core/internal/revocation/domain"
)

// Repository defines persistence for revoked access tokens.
type Repository interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, t *domain.RevokedToken) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
