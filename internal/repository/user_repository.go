package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Common errors
var (
	ErrUserNotFound = errors.New("user not found")
)

const userColumns = `id, email, password_hash, role, is_active, failed_login_attempts,
		locked_until, last_login_at, created_at, updated_at`

// UserRepository defines the credential-facing view of the users table
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string, at time.Time) error
	LockForUpdate(ctx context.Context, id uuid.UUID) error
}

// userRepository implements UserRepository on top of a *sqlx.DB or *sqlx.Tx
type userRepository struct {
	db sqlx.ExtContext
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(db sqlx.ExtContext) UserRepository {
	return &userRepository{db: db}
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user := &User{}
	if err := sqlx.GetContext(ctx, r.db, user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// GetByEmail retrieves a user by email (case-insensitive)
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`

	user := &User{}
	if err := sqlx.GetContext(ctx, r.db, user, query, strings.TrimSpace(email)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// RecordLoginSuccess stamps last_login_at and clears the legacy lockout columns
func (r *userRepository) RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE users
		SET last_login_at = $2, failed_login_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return err
	}
	return expectOneRow(result, ErrUserNotFound)
}

// UpdatePasswordHash replaces the stored bcrypt digest
func (r *userRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string, at time.Time) error {
	query := `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, hash, at)
	if err != nil {
		return err
	}
	return expectOneRow(result, ErrUserNotFound)
}

// LockForUpdate takes the row lock on a user for the rest of the enclosing
// transaction. Writers of per-user state (reset tokens, password hash) take
// it first so they run one at a time per user.
func (r *userRepository) LockForUpdate(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := sqlx.GetContext(ctx, r.db, &locked, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	return err
}

func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
