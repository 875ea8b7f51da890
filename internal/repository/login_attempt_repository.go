package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/welldanyogia/authguard/internal/ids"
)

const loginAttemptColumns = `id, email, user_id, ip_address, user_agent, succeeded, occurred_at`

// LoginAttemptRepository is the append-only login ledger.
// Entries are keyed by ULID so id order matches insertion time.
type LoginAttemptRepository interface {
	Record(ctx context.Context, attempt *LoginAttempt) error
	RecentFailures(ctx context.Context, email string, since time.Time) ([]LoginAttempt, error)
	CountRecentFailures(ctx context.Context, email string, since time.Time) (int, error)
	KnownSuccessfulIPs(ctx context.Context, userID uuid.UUID, since time.Time) ([]string, error)
	RecentSuccessfulUserAgents(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]string, error)
	StatsSince(ctx context.Context, since time.Time, topN int) (*LoginStats, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]LoginAttempt, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type loginAttemptRepository struct {
	db sqlx.ExtContext
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository instance
func NewLoginAttemptRepository(db sqlx.ExtContext) LoginAttemptRepository {
	return &loginAttemptRepository{db: db}
}

// Record appends an attempt. Missing id and timestamp are filled in.
func (r *loginAttemptRepository) Record(ctx context.Context, attempt *LoginAttempt) error {
	if attempt.OccurredAt.IsZero() {
		attempt.OccurredAt = time.Now().UTC()
	}
	if attempt.ID == "" {
		attempt.ID = ids.NewAt(attempt.OccurredAt)
	}

	query := `
		INSERT INTO login_attempts (` + loginAttemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		attempt.ID,
		strings.ToLower(strings.TrimSpace(attempt.Email)),
		attempt.UserID,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.Succeeded,
		attempt.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

// RecentFailures returns failed attempts for an email since the given time, newest first
func (r *loginAttemptRepository) RecentFailures(ctx context.Context, email string, since time.Time) ([]LoginAttempt, error) {
	query := `
		SELECT ` + loginAttemptColumns + `
		FROM login_attempts
		WHERE email = LOWER($1) AND succeeded = FALSE AND occurred_at >= $2
		ORDER BY occurred_at DESC, id DESC
	`

	attempts := []LoginAttempt{}
	if err := sqlx.SelectContext(ctx, r.db, &attempts, query, strings.TrimSpace(email), since); err != nil {
		return nil, fmt.Errorf("query recent failures: %w", err)
	}
	return attempts, nil
}

// CountRecentFailures counts failed attempts for an email since the given time
func (r *loginAttemptRepository) CountRecentFailures(ctx context.Context, email string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM login_attempts
		WHERE email = LOWER($1) AND succeeded = FALSE AND occurred_at >= $2
	`

	var count int
	if err := sqlx.GetContext(ctx, r.db, &count, query, strings.TrimSpace(email), since); err != nil {
		return 0, fmt.Errorf("count recent failures: %w", err)
	}
	return count, nil
}

// KnownSuccessfulIPs returns the distinct IPs the user logged in from since the given time
func (r *loginAttemptRepository) KnownSuccessfulIPs(ctx context.Context, userID uuid.UUID, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT ip_address
		FROM login_attempts
		WHERE user_id = $1 AND succeeded = TRUE AND occurred_at >= $2
	`

	ips := []string{}
	if err := sqlx.SelectContext(ctx, r.db, &ips, query, userID, since); err != nil {
		return nil, fmt.Errorf("query known ips: %w", err)
	}
	return ips, nil
}

// RecentSuccessfulUserAgents returns up to limit user agents from the user's latest successful logins
func (r *loginAttemptRepository) RecentSuccessfulUserAgents(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]string, error) {
	query := `
		SELECT user_agent
		FROM login_attempts
		WHERE user_id = $1 AND succeeded = TRUE AND occurred_at >= $2
			AND user_agent IS NOT NULL AND user_agent <> ''
		ORDER BY occurred_at DESC, id DESC
		LIMIT $3
	`

	agents := []string{}
	if err := sqlx.SelectContext(ctx, r.db, &agents, query, userID, since, limit); err != nil {
		return nil, fmt.Errorf("query user agents: %w", err)
	}
	return agents, nil
}

// StatsSince aggregates the ledger since the given time.
// Top failing IPs are ordered by count descending, ties broken by IP ascending.
func (r *loginAttemptRepository) StatsSince(ctx context.Context, since time.Time, topN int) (*LoginStats, error) {
	totalsQuery := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE succeeded) AS successful,
			COUNT(*) FILTER (WHERE NOT succeeded) AS failed
		FROM login_attempts
		WHERE occurred_at >= $1
	`

	stats := &LoginStats{Since: since}
	if err := sqlx.GetContext(ctx, r.db, stats, totalsQuery, since); err != nil {
		return nil, fmt.Errorf("query login totals: %w", err)
	}

	topQuery := `
		SELECT ip_address, COUNT(*) AS count
		FROM login_attempts
		WHERE occurred_at >= $1 AND succeeded = FALSE
		GROUP BY ip_address
		ORDER BY count DESC, ip_address ASC
		LIMIT $2
	`

	stats.TopFailingIPs = []SourceCount{}
	if err := sqlx.SelectContext(ctx, r.db, &stats.TopFailingIPs, topQuery, since, topN); err != nil {
		return nil, fmt.Errorf("query top failing ips: %w", err)
	}
	return stats, nil
}

// ListOlderThan pages through entries older than cutoff in id order, starting after afterID
func (r *loginAttemptRepository) ListOlderThan(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]LoginAttempt, error) {
	query := `
		SELECT ` + loginAttemptColumns + `
		FROM login_attempts
		WHERE occurred_at < $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`

	attempts := []LoginAttempt{}
	if err := sqlx.SelectContext(ctx, r.db, &attempts, query, cutoff, afterID, limit); err != nil {
		return nil, fmt.Errorf("list old attempts: %w", err)
	}
	return attempts, nil
}

// PurgeOlderThan deletes entries strictly older than cutoff
func (r *loginAttemptRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge login attempts: %w", err)
	}
	return result.RowsAffected()
}
