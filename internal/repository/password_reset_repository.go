package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const pgErrUniqueViolation = "23505"

var (
	// ErrResetTokenNotFound is returned when no usable reset token matches
	ErrResetTokenNotFound = errors.New("reset token not found")
	// ErrResetTokenConflict is returned by Create when the owner already
	// has an unused token, i.e. a concurrent request won the race
	ErrResetTokenConflict = errors.New("reset token already active for owner")
)

// PasswordResetRepository stores hashed password reset tokens.
// At most one unused token exists per owner.
type PasswordResetRepository interface {
	InvalidateAllForOwner(ctx context.Context, ownerID uuid.UUID, at time.Time) (int64, error)
	Create(ctx context.Context, token *PasswordResetToken) error
	GetActiveByHashForUpdate(ctx context.Context, tokenHash string, now time.Time) (*PasswordResetToken, error)
	MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

type passwordResetRepository struct {
	db sqlx.ExtContext
}

// NewPasswordResetRepository creates a new PasswordResetRepository instance
func NewPasswordResetRepository(db sqlx.ExtContext) PasswordResetRepository {
	return &passwordResetRepository{db: db}
}

// InvalidateAllForOwner marks every unused token of the owner as used
func (r *passwordResetRepository) InvalidateAllForOwner(ctx context.Context, ownerID uuid.UUID, at time.Time) (int64, error) {
	query := `UPDATE password_reset_tokens SET used = TRUE, used_at = $2 WHERE owner_id = $1 AND used = FALSE`

	result, err := r.db.ExecContext(ctx, query, ownerID, at)
	if err != nil {
		return 0, fmt.Errorf("invalidate reset tokens: %w", err)
	}
	return result.RowsAffected()
}

// Create stores a new reset token hash
func (r *passwordResetRepository) Create(ctx context.Context, token *PasswordResetToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	query := `
		INSERT INTO password_reset_tokens (id, token_hash, owner_id, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		token.ID,
		token.TokenHash,
		token.OwnerID,
		token.ExpiresAt,
		token.CreatedAt,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ErrResetTokenConflict
		}
		return fmt.Errorf("create reset token: %w", err)
	}
	return nil
}

// GetActiveByHashForUpdate loads an unused, unexpired token and locks its row
func (r *passwordResetRepository) GetActiveByHashForUpdate(ctx context.Context, tokenHash string, now time.Time) (*PasswordResetToken, error) {
	query := `
		SELECT id, token_hash, owner_id, expires_at, used, created_at, used_at
		FROM password_reset_tokens
		WHERE token_hash = $1 AND used = FALSE AND expires_at > $2
		FOR UPDATE
	`

	token := &PasswordResetToken{}
	if err := sqlx.GetContext(ctx, r.db, token, query, tokenHash, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResetTokenNotFound
		}
		return nil, fmt.Errorf("load reset token: %w", err)
	}
	return token, nil
}

// MarkUsed consumes a token. A token that is already used yields ErrResetTokenNotFound.
func (r *passwordResetRepository) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE password_reset_tokens SET used = TRUE, used_at = $2 WHERE id = $1 AND used = FALSE`

	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark reset token used: %w", err)
	}
	return expectOneRow(result, ErrResetTokenNotFound)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
