package repository

import (
	"context"
	"database/sql"
	"fmt"

	"calotrack/backend/internal/audit/domain"
	"calotrack/backend/internal/db"
)

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns an audit event repository that uses the given db for persistence.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Create appends the event. The event must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.AuditEvent) error {
	subject := sql.NullInt64{Int64: e.SubjectID, Valid: e.SubjectID != 0}
	ip := sql.NullString{String: e.IP, Valid: e.IP != ""}
	meta := sql.NullString{String: e.Metadata, Valid: e.Metadata != ""}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, occurred_at, user_id, action, entity, ip, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Timestamp, subject, e.Action, e.Entity, ip, meta,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListBySubject returns the subject's events newest first, paginated by limit and offset.
func (r *PostgresRepository) ListBySubject(ctx context.Context, subjectID int64, limit, offset int32) ([]*domain.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, occurred_at, user_id, action, entity, ip, metadata
		FROM audit_events
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3`,
		subjectID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select audit events: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditEvent
	for rows.Next() {
		var (
			e       domain.AuditEvent
			subject sql.NullInt64
			ip      sql.NullString
			meta    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &subject, &e.Action, &e.Entity, &ip, &meta); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.SubjectID = subject.Int64
		e.IP = ip.String
		e.Metadata = meta.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
