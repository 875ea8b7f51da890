package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TxRepositories are the repositories bound to a single transaction
type TxRepositories struct {
	Users          UserRepository
	RefreshTokens  RefreshTokenRepository
	PasswordResets PasswordResetRepository
}

// TxRunner executes a function inside a database transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, repos TxRepositories) error) error
}

// Store bundles the repositories sharing one connection pool
type Store struct {
	db *sqlx.DB

	users          UserRepository
	loginAttempts  LoginAttemptRepository
	refreshTokens  RefreshTokenRepository
	passwordResets PasswordResetRepository
	auditLogs      AuditLogRepository
}

// NewStore creates a Store on top of db
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:             db,
		users:          NewUserRepository(db),
		loginAttempts:  NewLoginAttemptRepository(db),
		refreshTokens:  NewRefreshTokenRepository(db),
		passwordResets: NewPasswordResetRepository(db),
		auditLogs:      NewAuditLogRepository(db),
	}
}

func (s *Store) DB() *sqlx.DB                            { return s.db }
func (s *Store) Users() UserRepository                   { return s.users }
func (s *Store) LoginAttempts() LoginAttemptRepository   { return s.loginAttempts }
func (s *Store) RefreshTokens() RefreshTokenRepository   { return s.refreshTokens }
func (s *Store) PasswordResets() PasswordResetRepository { return s.passwordResets }
func (s *Store) AuditLogs() AuditLogRepository           { return s.auditLogs }

// RunInTx implements TxRunner with READ COMMITTED isolation
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repos TxRepositories) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	repos := TxRepositories{
		Users:          NewUserRepository(tx),
		RefreshTokens:  NewRefreshTokenRepository(tx),
		PasswordResets: NewPasswordResetRepository(tx),
	}

	if err := fn(ctx, repos); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
