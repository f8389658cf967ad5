package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-core/internal/audit/domain"
)

func TestPostgresRepository_Create(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := NewPostgresRepository(sqlDB, time.Second)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := &domain.Entry{
		ID: "a1", UserID: "u1", EventType: "login_success", Severity: "low", Action: "login_success",
		IPHash: "iphash", UserAgentHash: "uahash", Success: true, CreatedAt: now, RetentionUntil: now.Add(time.Hour),
	}
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs("a1", "u1", nil, "login_success", "low", "login_success", "", "iphash", "uahash", true, "{}", now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Create(context.Background(), e))

	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("disk full"))
	assert.Error(t, repo.Create(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ListByUser(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := NewPostgresRepository(sqlDB, 0)

	now := time.Now().UTC()
	cols := []string{"id", "user_id", "session_id", "event_type", "severity", "action", "resource",
		"ip_hash", "user_agent_hash", "success", "details", "created_at", "retention_until"}
	mock.ExpectQuery("SELECT id, user_id, session_id").WithArgs("u1", int32(10), int32(0)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a2", "u1", "s1", "logout", "low", "logout", "", "h", "h", true, []byte(`{}`), now, now).
			AddRow("a1", "u1", nil, "login_failure", "medium", "login_failure", "", "h", "h", false, []byte(`{"reason":"bad_password"}`), now, now))

	list, err := repo.ListByUser(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].SessionID)
	assert.Equal(t, "", list[1].SessionID)
	var d map[string]string
	require.NoError(t, json.Unmarshal(list[1].Details, &d))
	assert.Equal(t, "bad_password", d["reason"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_DeleteExpired(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	repo := NewPostgresRepository(sqlDB, 0)

	cutoff := time.Now()
	mock.ExpectExec("DELETE FROM audit_logs WHERE retention_until").WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))
	n, err := repo.DeleteExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
