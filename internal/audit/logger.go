// Package audit records security events with pseudonymized client metadata. Writes go through a
// single ordered queue; a persistence failure is logged loudly and never fails the caller.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"credential-core/internal/audit/domain"
	auditrepo "credential-core/internal/audit/repository"
	"credential-core/internal/metrics"
	"credential-core/internal/security"
)

// ErrClosed is returned by RecordSync after Close.
var ErrClosed = errors.New("audit logger closed")

const writeTimeout = 5 * time.Second

// piiKeys are dropped from Event.Details before persistence.
var piiKeys = map[string]struct{}{
	"ip": {}, "ip_address": {}, "user_agent": {}, "email": {}, "password": {},
	"token": {}, "access_token": {}, "refresh_token": {}, "phone": {}, "name": {},
}

// Recorder is the audit surface other packages depend on.
type Recorder interface {
	Record(ctx context.Context, ev Event)
	RecordSync(ctx context.Context, ev Event) error
}

// Sink receives a copy of every entry after it is persisted (e.g. an OTel log exporter).
type Sink interface {
	Emit(ctx context.Context, e *domain.Entry)
}

type job struct {
	entry *domain.Entry
	done  chan error
}

// Logger implements Recorder on top of the audit repository.
type Logger struct {
	repo      auditrepo.Repository
	pseudo    *security.Pseudonymizer
	retention time.Duration
	sinks     []Sink
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.RWMutex // guards closed against sends on queue
	closed  bool
	queue   chan job
	stopped chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink adds a sink that receives every persisted entry.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithMetrics counts write failures and queue depth.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger starts the writer goroutine. queueSize bounds how many entries may wait; retention sets
// retention_until on each entry. Call Close on shutdown to drain the queue.
func NewLogger(repo auditrepo.Repository, pseudo *security.Pseudonymizer, retention time.Duration, queueSize int, log logrus.FieldLogger, opts ...Option) *Logger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	l := &Logger{
		repo:      repo,
		pseudo:    pseudo,
		retention: retention,
		log:       log.WithField("component", "audit"),
		now:       time.Now,
		queue:     make(chan job, queueSize),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.run()
	return l
}

func (l *Logger) run() {
	defer close(l.stopped)
	for j := range l.queue {
		err := l.write(j.entry)
		if j.done != nil {
			j.done <- err
		}
		l.metrics.AuditQueue(len(l.queue))
	}
}

// Record queues ev for persistence and returns immediately. If the queue is full the entry is
// written inline rather than dropped.
func (l *Logger) Record(ctx context.Context, ev Event) {
	e := l.entry(ev)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		_ = l.write(e)
		return
	}
	select {
	case l.queue <- job{entry: e}:
		l.metrics.AuditQueue(len(l.queue))
	default:
		l.log.WithField("event_type", e.EventType).Error("audit queue full; writing inline")
		_ = l.write(e)
	}
}

// RecordSync persists ev behind everything already queued and waits for the write. Used where the
// entry must exist before a follow-up side effect (reuse detection before family revocation).
func (l *Logger) RecordSync(ctx context.Context, ev Event) error {
	e := l.entry(ev)
	done := make(chan error, 1)
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return l.write(e)
	}
	select {
	case l.queue <- job{entry: e, done: done}:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting queued entries and waits for the queue to drain or ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) write(e *domain.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := l.repo.Create(ctx, e)
	if err != nil {
		l.metrics.AuditWriteFailed()
		l.log.WithError(err).WithFields(logrus.Fields{
			"audit_id":   e.ID,
			"event_type": e.EventType,
			"severity":   e.Severity,
			"user_id":    e.UserID,
			"session_id": e.SessionID,
		}).Error("audit write failed")
	}
	for _, s := range l.sinks {
		s.Emit(ctx, e)
	}
	return err
}

func (l *Logger) entry(ev Event) *domain.Entry {
	now := l.now().UTC()
	sev := ev.Severity
	if sev == "" {
		sev = ev.Type.DefaultSeverity()
	}
	action := ev.Action
	if action == "" {
		action = string(ev.Type)
	}
	return &domain.Entry{
		ID:             uuid.New().String(),
		UserID:         ev.UserID,
		SessionID:      ev.SessionID,
		EventType:      string(ev.Type),
		Severity:       string(sev),
		Action:         action,
		Resource:       ev.Resource,
		IPHash:         l.pseudo.Hash(ev.IP),
		UserAgentHash:  l.pseudo.Hash(ev.UserAgent),
		Success:        ev.Success,
		Details:        scrub(ev.Details),
		CreatedAt:      now,
		RetentionUntil: now.Add(l.retention),
	}
}

func scrub(details map[string]any) json.RawMessage {
	clean := make(map[string]any, len(details))
	for k, v := range details {
		if _, pii := piiKeys[strings.ToLower(k)]; pii {
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
