package repository

import (
	"context"
	"database/sql"
	"time"

	"credential-core/internal/db"
	"credential-core/internal/revocation/domain"
)

// PostgresRepository stores revoked jtis in revoked_tokens.
type PostgresRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresRepository returns a revocation repository. Every call is bounded by timeout.
func NewPostgresRepository(sqlDB *sql.DB, timeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: sqlDB, timeout: timeout}
}

func (r *PostgresRepository) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// IsRevoked reports whether jti has a revocation row that has not yet expired.
func (r *PostgresRepository) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var revoked bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1 AND expires_at > NOW())`, jti).Scan(&revoked)
	return revoked, err
}

// Revoke inserts a revocation row. Revoking an already revoked jti is a no-op.
func (r *PostgresRepository) Revoke(ctx context.Context, t *domain.RevokedToken) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `INSERT INTO revoked_tokens (jti, user_id, expires_at, reason)
		VALUES ($1, $2, $3, $4) ON CONFLICT (jti) DO NOTHING`,
		t.JTI, db.NullString(t.UserID), t.ExpiresAt, t.Reason)
	return err
}

// DeleteExpired removes rows whose token would have expired anyway. Returns the number removed.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
