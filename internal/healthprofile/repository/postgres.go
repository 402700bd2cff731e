package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"calotrack/backend/internal/db"
	"calotrack/backend/internal/healthprofile/domain"
)

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a health profile repository backed by conn.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Get returns the record for subjectID, or nil if not found.
func (r *PostgresRepository) Get(ctx context.Context, subjectID int64) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, date_of_birth_enc, height_cm_enc, weight_kg_enc,
		       conditions_enc, allergies_enc, medications_enc, updated_at
		FROM health_profiles WHERE user_id = $1`, subjectID)
	var (
		rec                                  domain.Record
		dob, height, weight, cond, alg, meds sql.NullString
	)
	err := row.Scan(&rec.SubjectID, &dob, &height, &weight, &cond, &alg, &meds, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.DateOfBirthEnc = dob.String
	rec.HeightCmEnc = height.String
	rec.WeightKgEnc = weight.String
	rec.ConditionsEnc = cond.String
	rec.AllergiesEnc = alg.String
	rec.MedicationsEnc = meds.String
	return &rec, nil
}

// Upsert inserts the record or overwrites every column of the existing one.
func (r *PostgresRepository) Upsert(ctx context.Context, rec *domain.Record) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO health_profiles (user_id, date_of_birth_enc, height_cm_enc, weight_kg_enc,
		                             conditions_enc, allergies_enc, medications_enc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			date_of_birth_enc = EXCLUDED.date_of_birth_enc,
			height_cm_enc     = EXCLUDED.height_cm_enc,
			weight_kg_enc     = EXCLUDED.weight_kg_enc,
			conditions_enc    = EXCLUDED.conditions_enc,
			allergies_enc     = EXCLUDED.allergies_enc,
			medications_enc   = EXCLUDED.medications_enc,
			updated_at        = EXCLUDED.updated_at`,
		rec.SubjectID,
		nullIfEmpty(rec.DateOfBirthEnc),
		nullIfEmpty(rec.HeightCmEnc),
		nullIfEmpty(rec.WeightKgEnc),
		nullIfEmpty(rec.ConditionsEnc),
		nullIfEmpty(rec.AllergiesEnc),
		nullIfEmpty(rec.MedicationsEnc),
		now,
	)
	if err != nil {
		return err
	}
	rec.UpdatedAt = now
	return nil
}

// UpgradeEnvelopes rewrites the envelope columns if the row is unchanged since expectedUpdatedAt.
func (r *PostgresRepository) UpgradeEnvelopes(ctx context.Context, rec *domain.Record, expectedUpdatedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE health_profiles SET
			date_of_birth_enc = $2,
			height_cm_enc     = $3,
			weight_kg_enc     = $4,
			conditions_enc    = $5,
			allergies_enc     = $6,
			medications_enc   = $7
		WHERE user_id = $1 AND updated_at = $8`,
		rec.SubjectID,
		nullIfEmpty(rec.DateOfBirthEnc),
		nullIfEmpty(rec.HeightCmEnc),
		nullIfEmpty(rec.WeightKgEnc),
		nullIfEmpty(rec.ConditionsEnc),
		nullIfEmpty(rec.AllergiesEnc),
		nullIfEmpty(rec.MedicationsEnc),
		expectedUpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	rec.UpdatedAt = expectedUpdatedAt
	return n > 0, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
