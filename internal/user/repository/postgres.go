package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"credential-core/internal/db"
	"credential-core/internal/user/domain"
)

// PostgresRepository stores users in users and user_auth.
type PostgresRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(sqlDB *sql.DB, timeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: sqlDB, timeout: timeout}
}

func (r *PostgresRepository) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT id, email, is_active, created_at, updated_at FROM users WHERE id = $1`, id)
}

// GetByEmail returns the user with the given email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT id, email, is_active, created_at, updated_at FROM users WHERE email = $1`, domain.NormalizeEmail(email))
}

func (r *PostgresRepository) getOne(ctx context.Context, query, arg string) (*domain.User, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var u domain.User
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// Create persists the user and its password hash. The user must have ID set; it is not assigned by this method.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User, passwordHash string) error {
	if err := u.Validate(); err != nil {
		return err
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return db.InTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, email, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			u.ID, domain.NormalizeEmail(u.Email), u.Active, u.CreatedAt, u.UpdatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO user_auth (user_id, password_hash, updated_at) VALUES ($1, $2, $3)`,
			u.ID, passwordHash, u.UpdatedAt)
		return err
	})
}

// GetCredentials returns the user's password state, or nil if the user has none.
func (r *PostgresRepository) GetCredentials(ctx context.Context, userID string) (*domain.Credentials, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var (
		c         domain.Credentials
		locked    sql.NullTime
		lastLogin sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `SELECT user_id, password_hash, failed_login_attempts, locked_until,
		last_login_at, updated_at FROM user_auth WHERE user_id = $1`, userID).
		Scan(&c.UserID, &c.PasswordHash, &c.FailedAttempts, &locked, &lastLogin, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.LockedUntil = db.TimePtr(locked)
	c.LastLoginAt = db.TimePtr(lastLogin)
	return &c, nil
}

// RecordFailedLogin bumps failed_login_attempts in a single statement so concurrent failures are all counted.
func (r *PostgresRepository) RecordFailedLogin(ctx context.Context, userID string, maxAttempts int, lockFor time.Duration, at time.Time) (int, *time.Time, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var (
		attempts int
		locked   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `UPDATE user_auth SET
			failed_login_attempts = CASE WHEN failed_login_attempts + 1 >= $2 THEN 0 ELSE failed_login_attempts + 1 END,
			locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN $3::timestamptz ELSE locked_until END,
			updated_at = $4
		WHERE user_id = $1
		RETURNING failed_login_attempts, locked_until`,
		userID, maxAttempts, at.Add(lockFor), at).Scan(&attempts, &locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	lock := db.TimePtr(locked)
	if lock != nil && !lock.After(at) {
		lock = nil
	}
	return attempts, lock, nil
}

// RecordSuccessfulLogin resets the lockout state.
func (r *PostgresRepository) RecordSuccessfulLogin(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE user_auth SET failed_login_attempts = 0, locked_until = NULL,
		last_login_at = $2, updated_at = $2 WHERE user_id = $1`, userID, at)
	return err
}

// UpdatePasswordHash replaces the stored hash, e.g. after a bcrypt cost change.
func (r *PostgresRepository) UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE user_auth SET password_hash = $2, updated_at = $3 WHERE user_id = $1`, userID, hash, at)
	return err
}
