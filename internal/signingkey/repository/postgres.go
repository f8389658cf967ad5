package repository

import (
	"context"
	"database/sql"
	"time"

	"credential-core/internal/db"
	"credential-core/internal/signingkey/domain"
)

// PostgresRepository persists signing keys in jwt_keys.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a signing key repository that uses the given db for persistence.
func NewPostgresRepository(sqlDB *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: sqlDB}
}

const keyColumns = `kid, algorithm, key_ref, public_key_pem, is_active, created_at, retired_at`

// ListVerifiable returns the active key plus keys retired after retiredAfter. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListVerifiable(ctx context.Context, retiredAfter time.Time) ([]*domain.Key, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM jwt_keys
		WHERE is_active OR retired_at > $1
		ORDER BY is_active DESC, retired_at DESC NULLS LAST`, retiredAfter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Key
	for rows.Next() {
		var k domain.Key
		var retired sql.NullTime
		if err := rows.Scan(&k.KID, &k.Algorithm, &k.KeyRef, &k.PublicKeyPEM, &k.Active, &k.CreatedAt, &retired); err != nil {
			return nil, err
		}
		k.RetiredAt = db.TimePtr(retired)
		out = append(out, &k)
	}
	return out, rows.Err()
}

// Insert persists k as given. The single-active unique index rejects a second active key.
func (r *PostgresRepository) Insert(ctx context.Context, k *domain.Key) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO jwt_keys (`+keyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		k.KID, k.Algorithm, k.KeyRef, k.PublicKeyPEM, k.Active, k.CreatedAt, db.NullTime(k.RetiredAt))
	return err
}

// Rotate retires the active key and inserts next as active in one transaction, so other
// transactions never observe zero or two active keys.
func (r *PostgresRepository) Rotate(ctx context.Context, next *domain.Key, at time.Time) error {
	return db.InTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jwt_keys SET is_active = FALSE, retired_at = $1 WHERE is_active`, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO jwt_keys (`+keyColumns+`) VALUES ($1, $2, $3, $4, TRUE, $5, NULL)`,
			next.KID, next.Algorithm, next.KeyRef, next.PublicKeyPEM, next.CreatedAt)
		return err
	})
}
