package repository

import (
	"context"
	"time"

	"calotrack/backend/internal/healthprofile/domain"
)

// Repository persists encrypted health profile records. It never sees plaintext.
type Repository interface {
	// Get returns the record for subjectID, or nil if none exists.
	Get(ctx context.Context, subjectID int64) (*domain.Record, error)
	// Upsert inserts or replaces the record for r.SubjectID and sets r.UpdatedAt.
	Upsert(ctx context.Context, r *domain.Record) error
	// UpgradeEnvelopes replaces the envelopes of r.SubjectID only if the stored updated_at still
	// equals expectedUpdatedAt. It reports whether the row was written; updated_at is left as is.
	UpgradeEnvelopes(ctx context.Context, r *domain.Record, expectedUpdatedAt time.Time) (bool, error)
}
