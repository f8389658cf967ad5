// Package sessiontest provides an in-memory session repository with the same row-level semantics
// as the Postgres one. For tests only.
package sessiontest

import (
	"context"
	"sync"
	"time"

	"credential-core/internal/session/domain"
)

// MemRepo implements repository.Repository in memory.
type MemRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	getErr   error
}

// NewMemRepo returns an empty MemRepo.
func NewMemRepo() *MemRepo {
	return &MemRepo{sessions: make(map[string]*domain.Session)}
}

// FailReads makes GetByID return err until called again with nil.
func (m *MemRepo) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// Len returns the number of stored sessions, revoked ones included.
func (m *MemRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (m *MemRepo) Create(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.sessions {
		if cur.UserID == s.UserID && cur.DeviceID == s.DeviceID && cur.RevokedAt == nil {
			at := s.CreatedAt
			cur.RevokedAt = &at
			cur.RevokedReason = domain.RevokeReasonSuperseded
		}
	}
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m *MemRepo) CompareAndSwapHash(ctx context.Context, id, oldHash, newHash string, usedAt, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil || s.RefreshTokenHash != oldHash {
		return false, nil
	}
	s.RefreshTokenHash = newHash
	s.LastUsedAt = usedAt
	s.ExpiresAt = expiresAt
	s.RotationCount++
	return true, nil
}

func (m *MemRepo) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.RevokedAt == nil {
		s.RevokedAt = &at
		s.RevokedReason = reason
	}
	return nil
}

func (m *MemRepo) RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) (int64, error) {
	return m.revokeIf(func(s *domain.Session) bool { return s.FamilyID == familyID }, reason, at), nil
}

func (m *MemRepo) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	return m.revokeIf(func(s *domain.Session) bool { return s.UserID == userID }, reason, at), nil
}

func (m *MemRepo) revokeIf(match func(*domain.Session) bool, reason string, at time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if match(s) && s.RevokedAt == nil {
			s.RevokedAt = &at
			s.RevokedReason = reason
			n++
		}
	}
	return n
}

func (m *MemRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
