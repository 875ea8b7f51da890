package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User represents the credential record of an account. This service only
// reads the record and writes the password hash, login bookkeeping and
// active flag; account CRUD lives elsewhere.
type User struct {
	ID                  uuid.UUID  `db:"id"`
	Email               string     `db:"email"`
	PasswordHash        string     `db:"password_hash"`
	Role                string     `db:"role"`
	IsActive            bool       `db:"is_active"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
	LastLoginAt         *time.Time `db:"last_login_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// LoginAttempt is an immutable ledger entry written for every login call
type LoginAttempt struct {
	ID         string     `db:"id" json:"id"`
	Email      string     `db:"email" json:"email"`
	UserID     *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	IPAddress  string     `db:"ip_address" json:"ip_address"`
	UserAgent  *string    `db:"user_agent" json:"user_agent,omitempty"`
	Succeeded  bool       `db:"succeeded" json:"succeeded"`
	OccurredAt time.Time  `db:"occurred_at" json:"occurred_at"`
}

// LoginStats aggregates ledger entries for monitoring
type LoginStats struct {
	Since         time.Time     `json:"since"`
	Total         int           `db:"total" json:"total"`
	Successful    int           `db:"successful" json:"successful"`
	Failed        int           `db:"failed" json:"failed"`
	TopFailingIPs []SourceCount `json:"top_failing_ips"`
}

// SourceCount is the number of failed attempts from one source IP
type SourceCount struct {
	IP    string `db:"ip_address" json:"ip"`
	Count int    `db:"count" json:"count"`
}

// RefreshToken is the revocation-index row for one issued refresh token
type RefreshToken struct {
	TokenID    uuid.UUID  `db:"token_id"`
	SubjectID  uuid.UUID  `db:"subject_id"`
	Generation int64      `db:"generation"`
	IssuedAt   time.Time  `db:"issued_at"`
	ExpiresAt  time.Time  `db:"expires_at"`
	RevokedAt  *time.Time `db:"revoked_at"`
}

// PasswordResetToken stores the hash of a reset bearer token, never the raw value
type PasswordResetToken struct {
	ID        uuid.UUID  `db:"id"`
	TokenHash string     `db:"token_hash"`
	OwnerID   uuid.UUID  `db:"owner_id"`
	ExpiresAt time.Time  `db:"expires_at"`
	Used      bool       `db:"used"`
	CreatedAt time.Time  `db:"created_at"`
	UsedAt    *time.Time `db:"used_at"`
}

// AuditLog is a persisted security event
type AuditLog struct {
	ID           uuid.UUID       `db:"id"`
	UserID       *uuid.UUID      `db:"user_id"`
	Action       string          `db:"action"`
	ResourceType string          `db:"resource_type"`
	ResourceID   string          `db:"resource_id"`
	Details      json.RawMessage `db:"details"`
	IPAddress    *string         `db:"ip_address"`
	UserAgent    *string         `db:"user_agent"`
	CreatedAt    time.Time       `db:"created_at"`
}
