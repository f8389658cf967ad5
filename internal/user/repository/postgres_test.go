package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-core/internal/user/domain"
)

func newRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewPostgresRepository(sqlDB, time.Second), mock
}

func TestPostgresRepository_GetByEmail(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	cols := []string{"id", "email", "is_active", "created_at", "updated_at"}

	mock.ExpectQuery("SELECT id, email, is_active").WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "alice@example.com", true, now, now))
	mock.ExpectQuery("SELECT id, email, is_active").WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows(cols))

	u, err := repo.GetByEmail(context.Background(), "  Alice@Example.com ")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)
	assert.True(t, u.Active)

	u, err = repo.GetByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CreateWritesBothTables(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	u := &domain.User{ID: "u1", Email: "Bob@Example.com", Active: true, CreatedAt: now, UpdatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").WithArgs("u1", "bob@example.com", true, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_auth").WithArgs("u1", "$2a$hash", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), u, "$2a$hash"))
	assert.Error(t, repo.Create(context.Background(), &domain.User{ID: "u2"}, "h"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetCredentials(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	lock := now.Add(10 * time.Minute)
	cols := []string{"user_id", "password_hash", "failed_login_attempts", "locked_until", "last_login_at", "updated_at"}

	mock.ExpectQuery("SELECT user_id, password_hash").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "h", 3, lock, nil, now))
	mock.ExpectQuery("SELECT user_id, password_hash").WithArgs("u2").
		WillReturnRows(sqlmock.NewRows(cols))

	c, err := repo.GetCredentials(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 3, c.FailedAttempts)
	assert.True(t, c.Locked(now))
	assert.False(t, c.Locked(lock))
	assert.Nil(t, c.LastLoginAt)

	c, err = repo.GetCredentials(context.Background(), "u2")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_RecordFailedLogin(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	cols := []string{"failed_login_attempts", "locked_until"}

	mock.ExpectQuery("UPDATE user_auth SET").WithArgs("u1", 5, now.Add(15*time.Minute), now).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(2, nil))
	n, lock, err := repo.RecordFailedLogin(context.Background(), "u1", 5, 15*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Nil(t, lock)

	mock.ExpectQuery("UPDATE user_auth SET").WithArgs("u1", 5, now.Add(15*time.Minute), now).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(0, now.Add(15*time.Minute)))
	n, lock, err = repo.RecordFailedLogin(context.Background(), "u1", 5, 15*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NotNil(t, lock)
	assert.True(t, lock.Equal(now.Add(15*time.Minute)))

	// A stale lock from an earlier lockout is not reported as a new one.
	mock.ExpectQuery("UPDATE user_auth SET").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(1, now.Add(-time.Hour)))
	_, lock, err = repo.RecordFailedLogin(context.Background(), "u1", 5, 15*time.Minute, now)
	require.NoError(t, err)
	assert.Nil(t, lock)

	mock.ExpectQuery("UPDATE user_auth SET").WillReturnError(sql.ErrNoRows)
	n, lock, err = repo.RecordFailedLogin(context.Background(), "ghost", 5, 15*time.Minute, now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, lock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_RecordSuccessfulLogin(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	mock.ExpectExec("UPDATE user_auth SET failed_login_attempts = 0").WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE user_auth SET password_hash").WithArgs("u1", "new", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordSuccessfulLogin(context.Background(), "u1", now))
	require.NoError(t, repo.UpdatePasswordHash(context.Background(), "u1", "new", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}
