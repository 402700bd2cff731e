package repository

import (
	"context"

	"calotrack/backend/internal/audit/domain"
)

// Repository defines persistence for audit events. There is no update or delete: the table is
// append-only.
type Repository interface {
	Create(ctx context.Context, e *domain.AuditEvent) error
	// ListBySubject returns the subject's events, newest first.
	ListBySubject(ctx context.Context, subjectID int64, limit, offset int32) ([]*domain.AuditEvent, error)
}
