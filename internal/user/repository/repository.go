package repository

import (
	"context"
	"errors"

	"calotrack/backend/internal/user/domain"
)

// ErrEmailTaken is returned by Create when another user already has the email.
var ErrEmailTaken = errors.New("email already registered")

// Repository defines persistence for users. Lookups return (nil, nil) when the user does not exist.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Create inserts u and sets u.ID.
	Create(ctx context.Context, u *domain.User) error
	// UpdatePassword stores a new hash and bumps the token version in one statement.
	UpdatePassword(ctx context.Context, id int64, passwordHash string) (tokenVersion int, err error)
	// BumpTokenVersion increments the token version and returns the new value.
	BumpTokenVersion(ctx context.Context, id int64) (int, error)
}
