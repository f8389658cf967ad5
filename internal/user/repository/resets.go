package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"credential-core/internal/db"
	"credential-core/internal/user/domain"
)

// ResetRepository persists password reset tokens.
type ResetRepository interface {
	Create(ctx context.Context, r *domain.PasswordReset) error
	// Consume redeems the unused, unexpired reset whose hash is tokenHash and stores passwordHash for
	// its user in the same transaction. Every other open reset of that user is closed too and the
	// lockout state is cleared. Returns "" when no redeemable reset matches.
	Consume(ctx context.Context, tokenHash, passwordHash string, at time.Time) (string, error)
	// DeleteExpired removes resets that expired or were used before before.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// PostgresResetRepository stores resets in password_resets.
type PostgresResetRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresResetRepository returns a ResetRepository backed by sqlDB.
func NewPostgresResetRepository(sqlDB *sql.DB, timeout time.Duration) *PostgresResetRepository {
	return &PostgresResetRepository{db: sqlDB, timeout: timeout}
}

func (r *PostgresResetRepository) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Create inserts the reset. ID, UserID and TokenHash must be set.
func (r *PostgresResetRepository) Create(ctx context.Context, pr *domain.PasswordReset) error {
	if pr.ID == "" || pr.UserID == "" || pr.TokenHash == "" {
		return errors.New("password reset: id, user_id and token_hash are required")
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `INSERT INTO password_resets (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`, pr.ID, pr.UserID, pr.TokenHash, pr.ExpiresAt, pr.CreatedAt)
	return err
}

// Consume marks the reset used with a conditional UPDATE so a token is redeemed at most once.
func (r *PostgresResetRepository) Consume(ctx context.Context, tokenHash, passwordHash string, at time.Time) (string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var userID string
	err := db.InTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `UPDATE password_resets SET used_at = $2
			WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
			RETURNING user_id`, tokenHash, at).Scan(&userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				userID = ""
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE password_resets SET used_at = $2 WHERE user_id = $1 AND used_at IS NULL`,
			userID, at); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE user_auth SET password_hash = $2, failed_login_attempts = 0,
			locked_until = NULL, updated_at = $3 WHERE user_id = $1`, userID, passwordHash, at)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errors.New("password reset: user has no credentials")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// DeleteExpired removes spent and expired resets.
func (r *PostgresResetRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `DELETE FROM password_resets WHERE expires_at < $1 OR used_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
