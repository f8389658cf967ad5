package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-core/internal/audit"
	"credential-core/internal/audit/audittest"
	auditdomain "credential-core/internal/audit/domain"
	"credential-core/internal/security"
	"credential-core/internal/session/domain"
	"credential-core/internal/session/sessiontest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *sessiontest.MemRepo, *audittest.Recorder, *fakeClock) {
	t.Helper()
	repo := sessiontest.NewMemRepo()
	rec := &audittest.Recorder{}
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	log, _ := test.NewNullLogger()
	s := NewStore(repo, rec, security.NewPseudonymizer("salt"), time.Hour, log, WithClock(clock.Now))
	return s, repo, rec, clock
}

var testMeta = DeviceMeta{IP: "203.0.113.9", UserAgent: "test-agent", Fingerprint: "fp-1"}

func TestCreateSession_StoresOnlyHashes(t *testing.T) {
	s, repo, _, clock := newTestStore(t)

	issued, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)
	require.NotEmpty(t, issued.RefreshToken)

	stored, err := repo.GetByID(context.Background(), issued.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, security.HashRefreshToken(issued.RefreshToken), stored.RefreshTokenHash)
	assert.NotContains(t, stored.RefreshTokenHash, issued.RefreshToken)
	assert.NotEqual(t, testMeta.IP, stored.IPHash)
	assert.Len(t, stored.IPHash, 64)
	assert.NotEmpty(t, stored.FamilyID)
	assert.Equal(t, clock.Now().Add(time.Hour), stored.ExpiresAt)
}

func TestCreateSession_SupersedesSameDevice(t *testing.T) {
	s, repo, _, _ := newTestStore(t)
	first, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)
	second, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)
	other, err := s.CreateSession(context.Background(), "user-1", "device-2", testMeta)
	require.NoError(t, err)

	old, _ := repo.GetByID(context.Background(), first.Session.ID)
	assert.True(t, old.Revoked())
	assert.Equal(t, domain.RevokeReasonSuperseded, old.RevokedReason)
	assert.NotEqual(t, first.Session.FamilyID, second.Session.FamilyID)

	cur, _ := repo.GetByID(context.Background(), second.Session.ID)
	assert.False(t, cur.Revoked())
	o, _ := repo.GetByID(context.Background(), other.Session.ID)
	assert.False(t, o.Revoked())
}

func TestCreateSession_MintsDeviceID(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	issued, err := s.CreateSession(context.Background(), "user-1", "", testMeta)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Session.DeviceID)

	_, err = s.CreateSession(context.Background(), "", "d", testMeta)
	assert.Error(t, err)
}

func TestRotate_KeepsFamilyAndExtendsExpiry(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	issued, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	rotated, err := s.Rotate(context.Background(), issued.RefreshToken, testMeta)
	require.NoError(t, err)
	assert.NotEqual(t, issued.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, issued.Session.ID, rotated.Session.ID)
	assert.Equal(t, issued.Session.FamilyID, rotated.Session.FamilyID)
	assert.Equal(t, clock.Now().Add(time.Hour), rotated.Session.ExpiresAt)
	assert.Equal(t, 1, rotated.Session.RotationCount)
}

func TestRotate_ReplayRevokesFamily(t *testing.T) {
	s, repo, rec, _ := newTestStore(t)
	issued, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)
	t0 := issued.RefreshToken

	// The reuse audit entry must be written while the session is still live.
	rec.OnSync = func(ev audit.Event) {
		cur, _ := repo.GetByID(context.Background(), issued.Session.ID)
		assert.False(t, cur.Revoked(), "family revoked before the audit entry was written")
	}

	r1, err := s.Rotate(context.Background(), t0, testMeta)
	require.NoError(t, err)
	t1 := r1.RefreshToken

	_, err = s.Rotate(context.Background(), t0, testMeta)
	require.ErrorIs(t, err, ErrReuseDetected)
	assert.Equal(t, 1, rec.Count(audit.EventTokenReuseDetected))

	cur, _ := repo.GetByID(context.Background(), issued.Session.ID)
	require.True(t, cur.Revoked())
	assert.Equal(t, domain.RevokeReasonReuseDetected, cur.RevokedReason)

	_, err = s.Rotate(context.Background(), t1, testMeta)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestRotate_AnyPreviousTokenIsReuse(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	issued, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)

	tokens := []string{issued.RefreshToken}
	for i := 0; i < 4; i++ {
		r, err := s.Rotate(context.Background(), tokens[len(tokens)-1], testMeta)
		require.NoError(t, err)
		tokens = append(tokens, r.RefreshToken)
	}
	_, err = s.Rotate(context.Background(), tokens[2], testMeta)
	assert.ErrorIs(t, err, ErrReuseDetected)
	_, err = s.Rotate(context.Background(), tokens[4], testMeta)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestPeek_DoesNotConsumeToken(t *testing.T) {
	s, _, rec, _ := newTestStore(t)
	ctx := context.Background()
	issued, err := s.CreateSession(ctx, "user-1", "device-1", testMeta)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sess, err := s.Peek(ctx, issued.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, "user-1", sess.UserID)
		assert.Equal(t, issued.Session.ID, sess.ID)
	}
	_, err = s.Rotate(ctx, issued.RefreshToken, testMeta)
	require.NoError(t, err)
	assert.Zero(t, rec.Count(audit.EventTokenReuseDetected))

	_, err = s.Peek(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRotate_ConcurrentSameTokenOneWinner(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	issued, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = s.Rotate(context.Background(), issued.RefreshToken, testMeta)
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrReuseDetected), errors.Is(err, ErrSessionRevoked):
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, failed)
}

func TestRotate_Rejections(t *testing.T) {
	s, repo, _, clock := newTestStore(t)
	issued, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)

	_, err = s.Rotate(context.Background(), "garbage", testMeta)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	unknown, _ := security.GenerateRefreshToken("no-such-session")
	_, err = s.Rotate(context.Background(), unknown, testMeta)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	clock.Advance(2 * time.Hour)
	_, err = s.Rotate(context.Background(), issued.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrSessionExpired)

	repo.FailReads(errors.New("timeout"))
	_, err = s.Rotate(context.Background(), issued.RefreshToken, testMeta)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrReuseDetected)
}

func TestValidateAndRevocation(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	a, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)
	b, err := s.CreateSession(context.Background(), "user-1", "device-2", testMeta)
	require.NoError(t, err)
	c, err := s.CreateSession(context.Background(), "user-2", "device-1", testMeta)
	require.NoError(t, err)

	_, err = s.Validate(context.Background(), a.Session.ID)
	require.NoError(t, err)
	_, err = s.Validate(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, s.Revoke(context.Background(), a.Session.ID, domain.RevokeReasonLogout))
	_, err = s.Validate(context.Background(), a.Session.ID)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	n, err := s.RevokeAllForUser(context.Background(), "user-1", domain.RevokeReasonLogoutAll)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.Validate(context.Background(), b.Session.ID)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	n, err = s.RevokeFamily(context.Background(), c.Session.FamilyID, domain.RevokeReasonAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(2 * time.Hour)
	deleted, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestValidate_Expired(t *testing.T) {
	s, _, _, clock := newTestStore(t)
	a, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = s.Validate(context.Background(), a.Session.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

// orderedAuditRepo records each audit entry together with whether the reused session was already
// revoked at the moment the entry was persisted.
type orderedAuditRepo struct {
	mu       sync.Mutex
	sessions *sessiontest.MemRepo
	reuse    []bool
}

func (r *orderedAuditRepo) Create(ctx context.Context, e *auditdomain.Entry) error {
	if e.EventType != string(audit.EventTokenReuseDetected) {
		return nil
	}
	cur, _ := r.sessions.GetByID(context.Background(), e.SessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reuse = append(r.reuse, cur != nil && cur.Revoked())
	return nil
}

func (r *orderedAuditRepo) ListByUser(context.Context, string, int32, int32) ([]*auditdomain.Entry, error) {
	return nil, nil
}

func (r *orderedAuditRepo) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *orderedAuditRepo) written() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.reuse...)
}

func TestRotate_ReplayWithCancelledContextStillAudits(t *testing.T) {
	log, _ := test.NewNullLogger()
	pseudo := security.NewPseudonymizer("salt")
	for i := 0; i < 40; i++ {
		repo := sessiontest.NewMemRepo()
		auditRepo := &orderedAuditRepo{sessions: repo}
		logger := audit.NewLogger(auditRepo, pseudo, time.Hour, 8, log)
		s := NewStore(repo, logger, pseudo, time.Hour, log)

		issued, err := s.CreateSession(context.Background(), "user-1", "device-1", testMeta)
		require.NoError(t, err)
		_, err = s.Rotate(context.Background(), issued.RefreshToken, testMeta)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = s.Rotate(ctx, issued.RefreshToken, testMeta)
		require.ErrorIs(t, err, ErrReuseDetected)

		cur, _ := repo.GetByID(context.Background(), issued.Session.ID)
		require.True(t, cur.Revoked())
		written := auditRepo.written()
		require.Len(t, written, 1, "run %d: reuse entry missing while family is revoked", i)
		assert.False(t, written[0], "run %d: family revoked before the audit entry was persisted", i)
		require.NoError(t, logger.Close(context.Background()))
	}
}
