package domain

import (
	"encoding/json"
	"time"
)

// Wildcard in Permission.Resource or Permission.Action matches any value.
const Wildcard = "*"

// SystemRole is one of the built-in roles seeded by the initial migration. Tenant-defined roles
// live alongside them in the roles table but are not part of this set.
type SystemRole string

const (
	RoleSuperAdmin SystemRole = "super_admin"
	RoleAdmin      SystemRole = "admin"
	RoleEditor     SystemRole = "editor"
	RoleUser       SystemRole = "user"
)

// SystemRoles lists the built-in roles.
var SystemRoles = []SystemRole{RoleSuperAdmin, RoleAdmin, RoleEditor, RoleUser}

// IsSystemRole reports whether name is a built-in role.
func IsSystemRole(name string) bool {
	switch SystemRole(name) {
	case RoleSuperAdmin, RoleAdmin, RoleEditor, RoleUser:
		return true
	}
	return false
}

// Role is a row of the roles table.
type Role struct {
	ID          string
	Name        string
	Description string
	System      bool
	CreatedAt   time.Time
}

// Permission grants Action on Resource. Condition is an optional ABAC predicate transported as-is;
// evaluating it is the caller's job.
type Permission struct {
	ID        string
	Name      string
	Resource  string
	Action    string
	Condition json.RawMessage
}

// Conditional reports whether the permission carries an ABAC condition.
func (p *Permission) Conditional() bool {
	return len(p.Condition) > 0 && string(p.Condition) != "null"
}

func (p *Permission) matches(resource, action string) bool {
	return (p.Resource == resource || p.Resource == Wildcard) && (p.Action == action || p.Action == Wildcard)
}

// PermissionSet is the resolved view of one user's roles and permissions. Treat it as read-only:
// the resolver hands the same value to every caller until it expires.
type PermissionSet struct {
	UserID      string
	Roles       []string
	Permissions []Permission
	ResolvedAt  time.Time
}

// Contains reports whether set holds any permission for resource/action, conditional or not.
// Matching is exact apart from the literal "*" sentinel.
func Contains(set *PermissionSet, resource, action string) bool {
	if set == nil {
		return false
	}
	for i := range set.Permissions {
		if set.Permissions[i].matches(resource, action) {
			return true
		}
	}
	return false
}

// HasPermission reports whether set holds an unconditional permission for resource/action, i.e.
// one that allows without evaluating a condition. Matching is as in Contains.
func HasPermission(set *PermissionSet, resource, action string) bool {
	if set == nil {
		return false
	}
	for i := range set.Permissions {
		p := &set.Permissions[i]
		if !p.Conditional() && p.matches(resource, action) {
			return true
		}
	}
	return false
}

// ConditionalGrants returns the permissions matching resource/action that carry a condition.
func ConditionalGrants(set *PermissionSet, resource, action string) []Permission {
	if set == nil {
		return nil
	}
	var out []Permission
	for i := range set.Permissions {
		p := &set.Permissions[i]
		if p.Conditional() && p.matches(resource, action) {
			out = append(out, *p)
		}
	}
	return out
}

// HasRole reports whether roles contains name exactly.
func HasRole(roles []string, name string) bool {
	for _, r := range roles {
		if r == name {
			return true
		}
	}
	return false
}
