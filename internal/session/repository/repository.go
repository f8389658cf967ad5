package repository

import (
	"context"
	"time"

	"credential-core/internal/session/domain"
)

// Repository defines persistence for sessions.
type Repository interface {
	// GetByID returns the session for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// Create inserts s and, in the same transaction, revokes any live session for the same
	// (user, device) with reason superseded.
	Create(ctx context.Context, s *domain.Session) error
	// CompareAndSwapHash replaces the refresh hash only if it still equals oldHash and the session
	// is not revoked. Returns false when another writer got there first.
	CompareAndSwapHash(ctx context.Context, id, oldHash, newHash string, usedAt, expiresAt time.Time) (bool, error)
	Revoke(ctx context.Context, id, reason string, at time.Time) error
	RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
