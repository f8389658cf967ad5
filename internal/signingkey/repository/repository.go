package repository

import (
	"context"
	"time"

	"credential-core/internal/signingkey/domain"
)

// Repository defines persistence for signing keys.
type Repository interface {
	// ListVerifiable returns the active key and every key retired after retiredAfter, newest first.
	ListVerifiable(ctx context.Context, retiredAfter time.Time) ([]*domain.Key, error)
	// Insert stores an inactive key, or the first active key when none exists.
	Insert(ctx context.Context, k *domain.Key) error
	// Rotate retires the current active key at `at` and makes next active, atomically.
	Rotate(ctx context.Context, next *domain.Key, at time.Time) error
}
