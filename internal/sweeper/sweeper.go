// Package sweeper runs the periodic housekeeping of the credential core on a cron schedule:
// stale rate limit windows, expired permission cache entries, expired sessions, revoked-token
// rows past their expiry, audit rows past retention, and signing key rotation pickup.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"credential-core/internal/metrics"
	"credential-core/internal/security"
)

// Task is one housekeeping step. Run returns how many items it removed or changed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Sweeper schedules Tasks. A run never overlaps the previous one.
type Sweeper struct {
	cron    *cron.Cron
	tasks   []Task
	timeout time.Duration
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithMetrics counts task runs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithTimeout bounds one full run. Default 1m.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.timeout = d }
}

// New returns a Sweeper that will run tasks on schedule (a cron spec or descriptor such as "@every 5m").
func New(schedule string, log logrus.FieldLogger, tasks []Task, opts ...Option) (*Sweeper, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "sweeper")
	s := &Sweeper{
		tasks:   tasks,
		timeout: time.Minute,
		log:     log,
	}
	for _, o := range opts {
		o(s)
	}
	clog := cron.PrintfLogger(log)
	s.cron = cron.New(cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_ = s.RunOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start starts the scheduler in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.WithField("tasks", len(s.tasks)).Info("sweeper started")
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeper stopped")
}

// RunOnce runs every task in order. A failing task does not stop the rest; all failures are
// returned joined.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs []error
	for _, t := range s.tasks {
		n, err := t.Run(ctx)
		s.metrics.SweepRun(t.Name, err)
		entry := s.log.WithField("task", t.Name)
		if err != nil {
			entry.WithError(err).Error("sweep task failed")
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		if n > 0 {
			entry.WithField("count", n).Info("sweep task done")
		}
	}
	return errors.Join(errs...)
}

// InMemorySweeper is implemented by the memory rate limiter and the permission resolver.
type InMemorySweeper interface {
	Sweep() int
}

// SessionSweeper deletes sessions past their absolute expiry.
type SessionSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// ExpiryPurger deletes rows whose expiry is before a cutoff.
type ExpiryPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// KeySyncer reconciles a key ring with the key table.
type KeySyncer interface {
	Sync(ctx context.Context, ring *security.KeyRing) error
}

// MemoryTask wraps an in-memory sweep.
func MemoryTask(name string, s InMemorySweeper) Task {
	return Task{Name: name, Run: func(context.Context) (int64, error) { return int64(s.Sweep()), nil }}
}

// SessionTask wraps the session store sweep.
func SessionTask(s SessionSweeper) Task {
	return Task{Name: "sessions", Run: s.Sweep}
}

// PurgeTask deletes rows expired as of now().
func PurgeTask(name string, p ExpiryPurger, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return Task{Name: name, Run: func(ctx context.Context) (int64, error) {
		return p.DeleteExpired(ctx, now().UTC())
	}}
}

// KeySyncTask picks up key rotations done by other processes.
func KeySyncTask(k KeySyncer, ring *security.KeyRing) Task {
	return Task{Name: "signing_keys", Run: func(ctx context.Context) (int64, error) {
		return 0, k.Sync(ctx, ring)
	}}
}
