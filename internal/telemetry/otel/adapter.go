package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	auditdomain "credential-core/internal/audit/domain"
)

const auditScope = "credential-core.audit"

// LogEmitter is the subset of otellog.Logger the sink needs.
type LogEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// AuditSink mirrors persisted audit entries to the collector as OTel log records. Client metadata
// is only ever present as the hashes already stored on the entry.
type AuditSink struct {
	logger LogEmitter
}

// NewAuditSink returns an AuditSink backed by provider. A nil provider yields a sink that drops entries.
func NewAuditSink(provider *sdklog.LoggerProvider) *AuditSink {
	if provider == nil {
		return &AuditSink{}
	}
	return &AuditSink{logger: provider.Logger(auditScope)}
}

// NewAuditSinkWithLogger returns an AuditSink that emits to logger.
func NewAuditSinkWithLogger(logger LogEmitter) *AuditSink {
	return &AuditSink{logger: logger}
}

// Emit converts e to a log record and emits it. Best-effort.
func (s *AuditSink) Emit(ctx context.Context, e *auditdomain.Entry) {
	if s.logger == nil || e == nil {
		return
	}
	rec := otellog.Record{}
	ts := e.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now().UTC())
	rec.SetEventName(e.EventType)
	rec.SetSeverity(severity(e.Severity))
	rec.SetSeverityText(e.Severity)
	if len(e.Details) > 0 {
		rec.SetBody(otellog.BytesValue(e.Details))
	}
	rec.AddAttributes(
		otellog.String("audit.id", e.ID),
		otellog.String("event_type", e.EventType),
		otellog.Bool("success", e.Success),
	)
	for k, v := range map[string]string{
		"user_id":         e.UserID,
		"session_id":      e.SessionID,
		"action":          e.Action,
		"resource":        e.Resource,
		"ip_hash":         e.IPHash,
		"user_agent_hash": e.UserAgentHash,
	} {
		if v != "" {
			rec.AddAttributes(otellog.String(k, v))
		}
	}
	s.logger.Emit(ctx, rec)
}

func severity(s string) otellog.Severity {
	switch s {
	case "low":
		return otellog.SeverityInfo
	case "medium":
		return otellog.SeverityWarn
	case "high":
		return otellog.SeverityError
	case "critical":
		return otellog.SeverityFatal
	default:
		return otellog.SeverityUndefined
	}
}
