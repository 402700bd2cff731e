// Package producer streams audit events to a message broker for downstream shipping (see cmd/worker).
package producer

import (
	"context"

	"calotrack/backend/internal/audit/domain"
)

// Producer publishes audit events. It satisfies audit.Writer so it can sit behind audit.Tee.
type Producer interface {
	// Write publishes a single event. Returns an error only on write failure.
	Write(ctx context.Context, e *domain.AuditEvent) error
	// Close flushes and releases resources. Safe to call if already closed.
	Close() error
}
