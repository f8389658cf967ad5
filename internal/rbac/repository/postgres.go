package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"credential-core/internal/db"
	"credential-core/internal/rbac/domain"
)

// PostgresRepository reads and writes roles, permissions, user_roles and role_permissions.
type PostgresRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresRepository returns an RBAC repository. Every call is bounded by timeout.
func NewPostgresRepository(sqlDB *sql.DB, timeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: sqlDB, timeout: timeout}
}

func (r *PostgresRepository) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *PostgresRepository) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return queryStrings(ctx, r.db, `SELECT r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1 ORDER BY r.name`, userID)
}

func (r *PostgresRepository) PermissionsForUser(ctx context.Context, userID string) ([]domain.Permission, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT p.id, p.name, p.resource, p.action, p.conditions
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1 ORDER BY p.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Permission
	for rows.Next() {
		var p domain.Permission
		var cond []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &cond); err != nil {
			return nil, err
		}
		if len(cond) > 0 {
			p.Condition = cond
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return queryStrings(ctx, r.db, `SELECT user_id FROM user_roles WHERE role_id = $1`, roleID)
}

// GetRoleByName returns the role, or nil if not found.
func (r *PostgresRepository) GetRoleByName(ctx context.Context, name string) (*domain.Role, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var role domain.Role
	err := r.db.QueryRowContext(ctx, `SELECT id, name, description, is_system, created_at FROM roles WHERE name = $1`, name).
		Scan(&role.ID, &role.Name, &role.Description, &role.System, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// GetPermissionByName returns the permission, or nil if not found.
func (r *PostgresRepository) GetPermissionByName(ctx context.Context, name string) (*domain.Permission, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	var p domain.Permission
	var cond []byte
	err := r.db.QueryRowContext(ctx, `SELECT id, name, resource, action, conditions FROM permissions WHERE name = $1`, name).
		Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &cond)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(cond) > 0 {
		p.Condition = cond
	}
	return &p, nil
}

// CreateRole inserts a tenant role. The role must have ID set.
func (r *PostgresRepository) CreateRole(ctx context.Context, role *domain.Role) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `INSERT INTO roles (id, name, description, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5)`, role.ID, role.Name, role.Description, role.System, role.CreatedAt)
	return err
}

func (r *PostgresRepository) AssignRole(ctx context.Context, userID, roleID, assignedBy string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `INSERT INTO user_roles (user_id, role_id, assigned_by)
		VALUES ($1, $2, $3) ON CONFLICT (user_id, role_id) DO NOTHING`, userID, roleID, db.NullString(assignedBy))
	return err
}

func (r *PostgresRepository) RevokeRole(ctx context.Context, userID, roleID string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return err
}

func (r *PostgresRepository) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2) ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionID)
	return err
}

func (r *PostgresRepository) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return err
}

func queryStrings(ctx context.Context, q db.Execer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
