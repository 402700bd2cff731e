package repository

import (
	"context"
	"time"

	"calotrack/backend/internal/refreshtoken/domain"
)

// Repository stores refresh token records. Implementations must be safe for concurrent use and
// must never let an operation on one record alter a sibling record of the same subject, except for
// RevokeAllForSubject.
type Repository interface {
	Create(ctx context.Context, t *domain.RefreshToken) error
	// FindActiveBySubject returns the subject's records that are not revoked and expire after now.
	FindActiveBySubject(ctx context.Context, subjectID int64, now time.Time) ([]*domain.RefreshToken, error)
	// Revoke marks one record revoked. Revoking an unknown or already revoked record is a no-op.
	Revoke(ctx context.Context, id string) error
	// RevokeAllForSubject marks every active record of the subject revoked.
	RevokeAllForSubject(ctx context.Context, subjectID int64) error
	// Consume atomically revokes the record if it is still unrevoked. It reports true only to the
	// single caller that performed the revocation; concurrent callers get false.
	Consume(ctx context.Context, id string) (bool, error)
	// DeleteExpired removes records that expired or were revoked before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
