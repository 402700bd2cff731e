package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"calotrack/backend/internal/db"
	"calotrack/backend/internal/refreshtoken/domain"
)

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a refresh token repository over the given handle (*sql.DB or *sql.Tx).
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Create persists the record. The record must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, issued_at, expires_at, revoked_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.SubjectID, t.TokenHash, t.IssuedAt, t.ExpiresAt,
		timeToNullTime(t.RevokedAt), nullString(t.UserAgent), nullString(t.IPAddress),
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// FindActiveBySubject returns unrevoked records for the subject that expire after now.
func (r *PostgresRepository) FindActiveBySubject(ctx context.Context, subjectID int64, now time.Time) ([]*domain.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, token_hash, issued_at, expires_at, revoked_at, user_agent, ip_address
		FROM refresh_tokens
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY issued_at DESC`,
		subjectID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("select refresh tokens: %w", err)
	}
	defer rows.Close()

	var out []*domain.RefreshToken
	for rows.Next() {
		var (
			t         domain.RefreshToken
			revokedAt sql.NullTime
			userAgent sql.NullString
			ip        sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.SubjectID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &revokedAt, &userAgent, &ip); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		t.RevokedAt = nullTimeToPtr(revokedAt)
		t.UserAgent = userAgent.String
		t.IPAddress = ip.String
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}
	return out, nil
}

// Revoke marks the record with the given id as revoked. Already revoked records keep their original time.
func (r *PostgresRepository) Revoke(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForSubject revokes every unrevoked record of the subject.
func (r *PostgresRepository) RevokeAllForSubject(ctx context.Context, subjectID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`,
		subjectID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens for subject: %w", err)
	}
	return nil
}

// Consume revokes the record only if it is still unrevoked. The conditional UPDATE is atomic, so
// exactly one concurrent caller observes a changed row.
func (r *PostgresRepository) Consume(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("consume refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume refresh token: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired removes records that expired, or were revoked, before the cutoff.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1 OR revoked_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
