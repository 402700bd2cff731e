package audit

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"calotrack/backend/internal/audit/domain"
	auditrepo "calotrack/backend/internal/audit/repository"
	"calotrack/backend/internal/logging"
)

// Console returns a Sink writing JSON lines to stderr. Services fall back to it when no sink is
// injected.
func Console() *Logger {
	return NewLogger(nil, nil)
}

// IPExtractor returns the client IP from the request context (e.g. gin's ClientIP stashed by middleware).
type IPExtractor func(context.Context) string

// Sink records a single security event. Record never returns an error: a sink either delivers the
// event durably or reports the failure through the operational log.
type Sink interface {
	Record(ctx context.Context, subjectID int64, action, entity string)
}

// Writer persists or forwards one audit event.
type Writer interface {
	Write(ctx context.Context, e *domain.AuditEvent) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, e *domain.AuditEvent) error

func (f WriterFunc) Write(ctx context.Context, e *domain.AuditEvent) error { return f(ctx, e) }

// RepositoryWriter returns a Writer that appends to the audit repository.
func RepositoryWriter(repo auditrepo.Repository) Writer {
	return WriterFunc(repo.Create)
}

type metadataKey struct{}

// WithMetadata attaches free-form detail (e.g. "reason=replay") to events recorded with ctx.
func WithMetadata(ctx context.Context, metadata string) context.Context {
	return context.WithValue(ctx, metadataKey{}, metadata)
}

func metadataFrom(ctx context.Context) string {
	s, _ := ctx.Value(metadataKey{}).(string)
	return s
}

// Option configures a Logger.
type Option func(*Logger)

// WithRetry sets the total number of write attempts and the initial backoff between them.
// The backoff doubles after each failure.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(l *Logger) {
		if attempts > 0 {
			l.attempts = attempts
		}
		if backoff >= 0 {
			l.backoff = backoff
		}
	}
}

// WithLogger sets where undeliverable events are reported.
func WithLogger(log logging.Logger) Option {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithClock overrides the event timestamp source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// Logger implements Sink by writing each event synchronously with bounded retry.
type Logger struct {
	w           Writer
	ipExtractor IPExtractor
	attempts    int
	backoff     time.Duration
	log         logging.Logger
	now         func() time.Time
}

// NewLogger returns a Sink that writes to w and uses ipExtractor for client IP.
// A nil w writes JSON lines to stderr. ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(w Writer, ipExtractor IPExtractor, opts ...Option) *Logger {
	if w == nil {
		w = NewJSONWriter(os.Stderr)
	}
	l := &Logger{
		w:           w,
		ipExtractor: ipExtractor,
		attempts:    1,
		backoff:     50 * time.Millisecond,
		log:         logging.Discard(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record writes one audit event. A cancelled request context does not cancel the write.
func (l *Logger) Record(ctx context.Context, subjectID int64, action, entity string) {
	l.deliver(ctx, l.newEvent(ctx, subjectID, action, entity))
}

func (l *Logger) newEvent(ctx context.Context, subjectID int64, action, entity string) *domain.AuditEvent {
	ip := "unknown"
	if l.ipExtractor != nil {
		if s := l.ipExtractor(ctx); s != "" {
			ip = s
		}
	}
	return &domain.AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: l.now(),
		SubjectID: subjectID,
		Action:    action,
		Entity:    entity,
		IP:        ip,
		Metadata:  metadataFrom(ctx),
	}
}

// deliver writes e, retrying on failure. When every attempt fails the full event goes to the
// operational log at error level so it can be recovered from there.
func (l *Logger) deliver(ctx context.Context, e *domain.AuditEvent) {
	ctx = context.WithoutCancel(ctx)
	wait := l.backoff
	var err error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		if err = l.w.Write(ctx, e); err == nil {
			return
		}
		if attempt < l.attempts && wait > 0 {
			time.Sleep(wait)
			wait *= 2
		}
	}
	l.log.Error(ctx, "audit: failed to write event",
		"id", e.ID,
		"subject_id", e.SubjectID,
		"action", e.Action,
		"entity", e.Entity,
		"ip", e.IP,
		"timestamp", e.Timestamp,
		"attempts", l.attempts,
		"error", err,
	)
}
