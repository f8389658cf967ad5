package repository

import (
	"context"
	"time"

	"credential-core/internal/user/domain"
)

// Repository defines persistence for users and their password state.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Create inserts the user and its user_auth row in one transaction.
	Create(ctx context.Context, u *domain.User, passwordHash string) error
	GetCredentials(ctx context.Context, userID string) (*domain.Credentials, error)
	// RecordFailedLogin increments the failure counter. When it reaches maxAttempts the account is
	// locked until at+lockFor and the counter restarts. Returns the counter and the lock, if set.
	RecordFailedLogin(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, at time.Time) (int, *time.Time, error)
	// RecordSuccessfulLogin clears the failure counter and lock and stamps last_login_at.
	RecordSuccessfulLogin(ctx context.Context, userID string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error
}
