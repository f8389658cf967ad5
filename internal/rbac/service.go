package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"credential-core/internal/audit"
	"credential-core/internal/rbac/domain"
	rbacrepo "credential-core/internal/rbac/repository"
)

var (
	ErrRoleNotFound       = errors.New("role not found")
	ErrPermissionNotFound = errors.New("permission not found")
	ErrReservedRole       = errors.New("role name is reserved for a system role")
	ErrInvalidRoleName    = errors.New("role name is required")
)

// Service applies role and permission mutations and keeps the Resolver cache consistent with them.
type Service struct {
	repo     rbacrepo.Repository
	resolver *Resolver
	audit    audit.Recorder
	now      func() time.Time
}

// NewService returns a Service. rec may be nil.
func NewService(repo rbacrepo.Repository, resolver *Resolver, rec audit.Recorder) *Service {
	return &Service{repo: repo, resolver: resolver, audit: rec, now: time.Now}
}

// CreateRole adds a tenant-defined role. System role names are rejected.
func (s *Service) CreateRole(ctx context.Context, name, description string) (*domain.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidRoleName
	}
	if domain.IsSystemRole(name) {
		return nil, ErrReservedRole
	}
	role := &domain.Role{ID: uuid.New().String(), Name: name, Description: description, CreatedAt: s.now().UTC()}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("create role: %w", err)
	}
	return role, nil
}

// AssignRole gives userID the named role.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleName string) error {
	role, err := s.role(ctx, roleName)
	if err != nil {
		return err
	}
	if err := s.repo.AssignRole(ctx, userID, role.ID, actorID); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	s.resolver.Invalidate(userID)
	s.record(ctx, audit.EventRoleAssigned, actorID, "user_roles", map[string]any{"target_user": userID, "role": role.Name})
	return nil
}

// RevokeRole removes the named role from userID.
func (s *Service) RevokeRole(ctx context.Context, actorID, userID, roleName string) error {
	role, err := s.role(ctx, roleName)
	if err != nil {
		return err
	}
	if err := s.repo.RevokeRole(ctx, userID, role.ID); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	s.resolver.Invalidate(userID)
	s.record(ctx, audit.EventRoleRevoked, actorID, "user_roles", map[string]any{"target_user": userID, "role": role.Name})
	return nil
}

// GrantPermission attaches a permission to a role and invalidates every holder of that role.
func (s *Service) GrantPermission(ctx context.Context, actorID, roleName, permissionName string) error {
	role, perm, err := s.rolePermission(ctx, roleName, permissionName)
	if err != nil {
		return err
	}
	if err := s.repo.GrantPermission(ctx, role.ID, perm.ID); err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	s.invalidateHolders(ctx, role.ID)
	s.record(ctx, audit.EventPermissionGranted, actorID, "role_permissions", map[string]any{"role": role.Name, "permission": perm.Name})
	return nil
}

// RevokePermission detaches a permission from a role and invalidates every holder of that role.
func (s *Service) RevokePermission(ctx context.Context, actorID, roleName, permissionName string) error {
	role, perm, err := s.rolePermission(ctx, roleName, permissionName)
	if err != nil {
		return err
	}
	if err := s.repo.RevokePermission(ctx, role.ID, perm.ID); err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	s.invalidateHolders(ctx, role.ID)
	s.record(ctx, audit.EventPermissionRevoked, actorID, "role_permissions", map[string]any{"role": role.Name, "permission": perm.Name})
	return nil
}

// invalidateHolders drops the cache of every user with roleID. If the holders cannot be listed the
// whole cache is dropped instead; a stale grant must not survive a mutation.
func (s *Service) invalidateHolders(ctx context.Context, roleID string) {
	users, err := s.repo.UsersWithRole(ctx, roleID)
	if err != nil {
		s.resolver.log.WithError(err).Warn("listing role holders failed; dropping the whole permission cache")
		s.resolver.InvalidateAll()
		return
	}
	for _, u := range users {
		s.resolver.Invalidate(u)
	}
}

func (s *Service) role(ctx context.Context, name string) (*domain.Role, error) {
	role, err := s.repo.GetRoleByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get role: %w", err)
	}
	if role == nil {
		return nil, ErrRoleNotFound
	}
	return role, nil
}

func (s *Service) rolePermission(ctx context.Context, roleName, permissionName string) (*domain.Role, *domain.Permission, error) {
	role, err := s.role(ctx, roleName)
	if err != nil {
		return nil, nil, err
	}
	perm, err := s.repo.GetPermissionByName(ctx, permissionName)
	if err != nil {
		return nil, nil, fmt.Errorf("get permission: %w", err)
	}
	if perm == nil {
		return nil, nil, ErrPermissionNotFound
	}
	return role, perm, nil
}

func (s *Service) record(ctx context.Context, t audit.EventType, actorID, resource string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, audit.Event{Type: t, UserID: actorID, Resource: resource, Success: true, Details: details})
}
