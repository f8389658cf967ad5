package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepository_RolesAndPermissions(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := NewPostgresRepository(sqlDB, time.Second)

	mock.ExpectQuery("SELECT r.name FROM roles r").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("admin").AddRow("editor"))
	mock.ExpectQuery("SELECT DISTINCT p.id, p.name, p.resource, p.action, p.conditions").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "resource", "action", "conditions"}).
			AddRow("perm_users_delete", "users_delete", "users", "delete", nil).
			AddRow("perm_own_content", "own_content", "content", "write", []byte(`{"rego":"allow if true"}`)))

	roles, err := repo.RolesForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "editor"}, roles)

	perms, err := repo.PermissionsForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.False(t, perms[0].Conditional())
	assert.True(t, perms[1].Conditional())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Lookups(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := NewPostgresRepository(sqlDB, 0)

	now := time.Now()
	mock.ExpectQuery("SELECT id, name, description, is_system, created_at FROM roles").WithArgs("admin").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "is_system", "created_at"}).
			AddRow("role_admin", "admin", "Administrative access", true, now))
	mock.ExpectQuery("SELECT id, name, description, is_system, created_at FROM roles").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "is_system", "created_at"}))
	mock.ExpectQuery("SELECT id, name, resource, action, conditions FROM permissions").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "resource", "action", "conditions"}))

	role, err := repo.GetRoleByName(context.Background(), "admin")
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.True(t, role.System)

	role, err = repo.GetRoleByName(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, role)

	perm, err := repo.GetPermissionByName(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, perm)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Mutations(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := NewPostgresRepository(sqlDB, 0)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO user_roles").WithArgs("u1", "role_admin", "root").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM user_roles").WithArgs("u1", "role_admin").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO role_permissions").WithArgs("role_user", "perm_users_read").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM role_permissions").WithArgs("role_user", "perm_users_read").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id FROM user_roles").WithArgs("role_user").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))

	require.NoError(t, repo.AssignRole(ctx, "u1", "role_admin", "root"))
	require.NoError(t, repo.RevokeRole(ctx, "u1", "role_admin"))
	require.NoError(t, repo.GrantPermission(ctx, "role_user", "perm_users_read"))
	require.NoError(t, repo.RevokePermission(ctx, "role_user", "perm_users_read"))
	users, err := repo.UsersWithRole(ctx, "role_user")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}
