package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RefreshTokenRepository is the revocation index for refresh tokens.
//
// Every issued token gets a row stamped with the subject's generation at
// issue time. Revoking all of a subject's tokens bumps the generation, so
// tokens that were never indexed are invalidated as well.
type RefreshTokenRepository interface {
	CurrentGeneration(ctx context.Context, subjectID uuid.UUID) (int64, error)
	Create(ctx context.Context, token *RefreshToken) error
	IsActive(ctx context.Context, tokenID, subjectID uuid.UUID, generation int64) (bool, error)
	Revoke(ctx context.Context, tokenID uuid.UUID, at time.Time) error
	RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID, at time.Time) error
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type refreshTokenRepository struct {
	db sqlx.ExtContext
}

// NewRefreshTokenRepository creates a new RefreshTokenRepository instance
func NewRefreshTokenRepository(db sqlx.ExtContext) RefreshTokenRepository {
	return &refreshTokenRepository{db: db}
}

// CurrentGeneration returns the subject's generation, 0 when never revoked
func (r *refreshTokenRepository) CurrentGeneration(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	query := `
		SELECT COALESCE(
			(SELECT generation FROM subject_token_generations WHERE subject_id = $1), 0
		)
	`

	var generation int64
	if err := sqlx.GetContext(ctx, r.db, &generation, query, subjectID); err != nil {
		return 0, fmt.Errorf("read token generation: %w", err)
	}
	return generation, nil
}

// Create indexes a newly issued refresh token
func (r *refreshTokenRepository) Create(ctx context.Context, token *RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (token_id, subject_id, generation, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		token.TokenID,
		token.SubjectID,
		token.Generation,
		token.IssuedAt,
		token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("record refresh token: %w", err)
	}
	return nil
}

// IsActive reports whether the token is indexed, unrevoked and of the current generation.
// Unknown token ids are reported inactive.
func (r *refreshTokenRepository) IsActive(ctx context.Context, tokenID, subjectID uuid.UUID, generation int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM refresh_tokens t
			LEFT JOIN subject_token_generations g ON g.subject_id = t.subject_id
			WHERE t.token_id = $1
				AND t.subject_id = $2
				AND t.generation = $3
				AND t.revoked_at IS NULL
				AND t.generation >= COALESCE(g.generation, 0)
		)
	`

	var active bool
	if err := sqlx.GetContext(ctx, r.db, &active, query, tokenID, subjectID, generation); err != nil {
		return false, fmt.Errorf("check refresh token: %w", err)
	}
	return active, nil
}

// Revoke marks a single token revoked. Revoking an unknown or already
// revoked token is not an error.
func (r *refreshTokenRepository) Revoke(ctx context.Context, tokenID uuid.UUID, at time.Time) error {
	query := `UPDATE refresh_tokens SET revoked_at = $2 WHERE token_id = $1 AND revoked_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, tokenID, at); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForSubject bumps the subject generation and marks every indexed token revoked
func (r *refreshTokenRepository) RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID, at time.Time) error {
	bump := `
		INSERT INTO subject_token_generations (subject_id, generation)
		VALUES ($1, 1)
		ON CONFLICT (subject_id) DO UPDATE
		SET generation = subject_token_generations.generation + 1
	`
	if _, err := r.db.ExecContext(ctx, bump, subjectID); err != nil {
		return fmt.Errorf("bump token generation: %w", err)
	}

	revoke := `UPDATE refresh_tokens SET revoked_at = $2 WHERE subject_id = $1 AND revoked_at IS NULL`
	if _, err := r.db.ExecContext(ctx, revoke, subjectID, at); err != nil {
		return fmt.Errorf("revoke subject tokens: %w", err)
	}
	return nil
}

// PurgeExpired removes index rows whose tokens expired before the given time
func (r *refreshTokenRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return result.RowsAffected()
}
