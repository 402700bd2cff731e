package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"calotrack/backend/internal/db"
	"calotrack/backend/internal/user/domain"
)

const uniqueViolation = "23505"

const userColumns = `id, email, username, password_hash, token_version, status, created_at, updated_at`

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail returns the user with the given email, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// Create inserts the user and assigns u.ID from the database sequence.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (email, username, password_hash, token_version, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		u.Email, u.Username, u.PasswordHash, u.TokenVersion, string(u.Status), u.CreatedAt, u.UpdatedAt,
	).Scan(&u.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdatePassword sets the password hash and increments token_version. Returns sql.ErrNoRows
// wrapped if the user does not exist.
func (r *PostgresRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) (int, error) {
	var version int
	err := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET password_hash = $2, token_version = token_version + 1, updated_at = $3
		WHERE id = $1
		RETURNING token_version`,
		id, passwordHash, time.Now().UTC(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("update password: %w", err)
	}
	return version, nil
}

// BumpTokenVersion increments token_version and returns the new value.
func (r *PostgresRepository) BumpTokenVersion(ctx context.Context, id int64) (int, error) {
	var version int
	err := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET token_version = token_version + 1, updated_at = $2
		WHERE id = $1
		RETURNING token_version`,
		id, time.Now().UTC(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bump token version: %w", err)
	}
	return version, nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u      domain.User
		status string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.TokenVersion, &status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Status = domain.UserStatus(status)
	return &u, nil
}
