package repository

import (
	"context"
	"database/sql"
	"time"

	"credential-core/internal/audit/domain"
	"credential-core/internal/db"
)

// PostgresRepository writes audit_logs.
type PostgresRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
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

// Create persists the entry. The entry must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.Entry) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	details := []byte(e.Details)
	if len(details) == 0 {
		details = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO audit_logs
		(id, user_id, session_id, event_type, severity, action, resource, ip_hash, user_agent_hash, success, details, created_at, retention_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, db.NullString(e.UserID), db.NullString(e.SessionID), e.EventType, e.Severity,
		e.Action, e.Resource, e.IPHash, e.UserAgentHash,
		e.Success, string(details), e.CreatedAt, e.RetentionUntil)
	return err
}

// ListByUser returns the user's entries, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.Entry, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT id, user_id, session_id, event_type, severity, action, resource,
		ip_hash, user_agent_hash, success, details, created_at, retention_until
		FROM audit_logs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Entry
	for rows.Next() {
		var (
			e        domain.Entry
			uid, sid sql.NullString
			details  []byte
		)
		if err := rows.Scan(&e.ID, &uid, &sid, &e.EventType, &e.Severity, &e.Action, &e.Resource,
			&e.IPHash, &e.UserAgentHash, &e.Success, &details, &e.CreatedAt, &e.RetentionUntil); err != nil {
			return nil, err
		}
		e.UserID, e.SessionID = uid.String, sid.String
		e.Details = details
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteExpired removes entries past their retention date.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE retention_until < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
