package domain

import "time"

// RefreshToken is the stored form of an issued refresh token. The raw token is never stored;
// TokenHash is a salted adaptive hash of it. One subject may hold many records (one per device).
type RefreshToken struct {
	ID        string
	SubjectID int64
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time // nil when not revoked
	UserAgent string
	IPAddress string
}

// Revoked reports whether the record was explicitly revoked.
func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// ActiveAt reports whether the record can still be exchanged at now.
func (t *RefreshToken) ActiveAt(now time.Time) bool {
	return !t.Revoked() && now.Before(t.ExpiresAt)
}
