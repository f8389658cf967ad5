package repository

import (
	"context"
	"time"

	"credential-core/internal/audit/domain"
)

// Repository defines persistence for audit log entries. Entries are append-only.
type Repository interface {
	Create(ctx context.Context, e *domain.Entry) error
	ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.Entry, error)
	// DeleteExpired removes entries whose retention_until is before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
