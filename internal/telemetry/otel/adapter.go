package otel

import (
	"context"
	"strconv"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"calotrack/backend/internal/audit/domain"
)

// instrumentationName is the scope name for records and instruments created here.
const instrumentationName = "calotrack.audit"

// recordEmitter is the part of otellog.Logger the emitter needs.
type recordEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// AuditEmitter forwards audit events as OTel log records. It satisfies audit.Writer.
type AuditEmitter struct {
	logger recordEmitter
}

// NewAuditEmitter returns an emitter that sends events via the given LoggerProvider.
// If provider is nil, the emitter drops everything.
func NewAuditEmitter(provider *sdklog.LoggerProvider) *AuditEmitter {
	if provider == nil {
		return &AuditEmitter{}
	}
	return &AuditEmitter{logger: provider.Logger(instrumentationName)}
}

// NewAuditEmitterWithLogger is NewAuditEmitter over an arbitrary record emitter. Tests use it to
// capture records.
func NewAuditEmitterWithLogger(l recordEmitter) *AuditEmitter {
	return &AuditEmitter{logger: l}
}

// Write converts the event to an OTel log record and emits it. It never fails.
func (a *AuditEmitter) Write(ctx context.Context, e *domain.AuditEvent) error {
	if a.logger == nil || e == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetEventName("audit." + e.Action)
	rec.SetSeverity(severityFor(e.Action))
	if !e.Timestamp.IsZero() {
		rec.SetTimestamp(e.Timestamp)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	if e.Metadata != "" {
		rec.SetBody(otellog.StringValue(e.Metadata))
	}
	rec.AddAttributes(
		otellog.String("audit.id", e.ID),
		otellog.String("audit.action", e.Action),
		otellog.String("audit.entity", e.Entity),
	)
	if e.SubjectID != 0 {
		rec.AddAttributes(otellog.String("subject_id", strconv.FormatInt(e.SubjectID, 10)))
	}
	if e.IP != "" {
		rec.AddAttributes(otellog.String("client.address", e.IP))
	}
	a.logger.Emit(ctx, rec)
	return nil
}

func severityFor(action string) otellog.Severity {
	switch action {
	case domain.ActionRefreshReuse, domain.ActionPHIIntegrityFail:
		return otellog.SeverityError
	case domain.ActionLoginFailure, domain.ActionRefreshFailure:
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}
