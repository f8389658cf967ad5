package repository

import (
	"context"

	"credential-core/internal/rbac/domain"
)

// Repository defines persistence for roles, permissions and their assignments.
type Repository interface {
	// RolesForUser returns the names of the roles assigned to userID.
	RolesForUser(ctx context.Context, userID string) ([]string, error)
	// PermissionsForUser returns the union of permissions of every role assigned to userID.
	PermissionsForUser(ctx context.Context, userID string) ([]domain.Permission, error)
	// UsersWithRole returns the ids of users holding roleID.
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)

	GetRoleByName(ctx context.Context, name string) (*domain.Role, error)
	GetPermissionByName(ctx context.Context, name string) (*domain.Permission, error)
	CreateRole(ctx context.Context, r *domain.Role) error

	AssignRole(ctx context.Context, userID, roleID, assignedBy string) error
	RevokeRole(ctx context.Context, userID, roleID string) error
	GrantPermission(ctx context.Context, roleID, permissionID string) error
	RevokePermission(ctx context.Context, roleID, permissionID string) error
}
