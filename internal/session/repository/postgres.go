package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"credential-core/internal/db"
	"credential-core/internal/session/domain"
)

const sessionColumns = `id, user_id, rt_hash_current, rt_family_id, device_id, device_hash, ip_hash,
	user_agent_hash, rotation_count, created_at, last_used_at, expires_at, revoked_at, revoked_reason`

// PostgresRepository stores sessions in the sessions table.
type PostgresRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
// Every call is bounded by timeout.
func NewPostgresRepository(sqlDB *sql.DB, timeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: sqlDB, timeout: timeout}
}

func (r *PostgresRepository) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var (
		s       domain.Session
		revoked sql.NullTime
		reason  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id).Scan(
		&s.ID, &s.UserID, &s.RefreshTokenHash, &s.FamilyID, &s.DeviceID, &s.DeviceHash, &s.IPHash,
		&s.UserAgentHash, &s.RotationCount, &s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt, &revoked, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.RevokedAt = db.TimePtr(revoked)
	s.RevokedReason = reason.String
	return &s, nil
}

// Create persists the session. The session must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return db.InTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET revoked_at = $3, revoked_reason = $4
			WHERE user_id = $1 AND device_id = $2 AND revoked_at IS NULL`,
			s.UserID, s.DeviceID, s.CreatedAt, domain.RevokeReasonSuperseded); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO sessions
			(id, user_id, rt_hash_current, rt_family_id, device_id, device_hash, ip_hash, user_agent_hash,
			 rotation_count, created_at, last_used_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.ID, s.UserID, s.RefreshTokenHash, s.FamilyID, s.DeviceID, s.DeviceHash, s.IPHash, s.UserAgentHash,
			s.RotationCount, s.CreatedAt, s.LastUsedAt, s.ExpiresAt)
		return err
	})
}

// CompareAndSwapHash rotates the refresh hash atomically at the row level.
func (r *PostgresRepository) CompareAndSwapHash(ctx context.Context, id, oldHash, newHash string, usedAt, expiresAt time.Time) (bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `UPDATE sessions
		SET rt_hash_current = $3, last_used_at = $4, expires_at = $5, rotation_count = rotation_count + 1
		WHERE id = $1 AND rt_hash_current = $2 AND revoked_at IS NULL`,
		id, oldHash, newHash, usedAt, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Revoke marks one session revoked. Revoking an already revoked session keeps the original reason.
func (r *PostgresRepository) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND revoked_at IS NULL`, id, at, reason)
	return err
}

// RevokeFamily revokes every live session in the family.
func (r *PostgresRepository) RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) (int64, error) {
	return r.revokeWhere(ctx, `rt_family_id = $1`, familyID, reason, at)
}

// RevokeAllForUser revokes every live session of the user.
func (r *PostgresRepository) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	return r.revokeWhere(ctx, `user_id = $1`, userID, reason, at)
}

func (r *PostgresRepository) revokeWhere(ctx context.Context, cond, arg, reason string, at time.Time) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = $2, revoked_reason = $3
		WHERE `+cond+` AND revoked_at IS NULL`, arg, at, reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes sessions whose refresh window ended before the given time.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
