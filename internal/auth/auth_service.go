package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/authguard/internal/audit"
	"github.com/welldanyogia/authguard/internal/metrics"
	"github.com/welldanyogia/authguard/internal/repository"
	"github.com/welldanyogia/authguard/internal/sanitizer"
)

const (
	// MaxStatsWindowHours bounds GetLoginStats
	MaxStatsWindowHours = 168
	// TopFailingSources caps the ranking returned by GetLoginStats
	TopFailingSources = 10

	resetTokenBytes = 32

	resetDeliveryTimeout = 10 * time.Second
)

// ResetNotifier delivers password reset tokens to their owner
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, user *repository.User, rawToken string, expiresAt time.Time) error
}

// LedgerArchiver copies ledger rows somewhere durable before they are purged
type LedgerArchiver interface {
	Archive(ctx context.Context, cutoff time.Time, batch []repository.LoginAttempt) error
}

// Options holds the immutable security policy of an AuthService
type Options struct {
	Lockout                 LockoutPolicy
	Risk                    RiskPolicy
	ResetTokenTTL           time.Duration
	RetentionPeriod         time.Duration
	RotationRevokesOldToken bool
	RiskBlockEnforced       bool
	ArchivePageSize         int
}

// DefaultOptions returns the standard policy
func DefaultOptions() Options {
	return Options{
		Lockout:         DefaultLockoutPolicy(),
		Risk:            DefaultRiskPolicy(),
		ResetTokenTTL:   time.Hour,
		RetentionPeriod: 30 * 24 * time.Hour,
		ArchivePageSize: 5000,
	}
}

// Dependencies are the collaborators of an AuthService. Notifier,
// Archiver, Audit, Sanitizer, Logger and Clock are optional.
type Dependencies struct {
	Users         repository.UserRepository
	Ledger        repository.LoginAttemptRepository
	RefreshTokens repository.RefreshTokenRepository
	Tx            repository.TxRunner
	Tokens        *TokenService
	Hasher        *CredentialHasher
	Audit         audit.Recorder
	Sanitizer     sanitizer.TextSanitizer
	Notifier      ResetNotifier
	Archiver      LedgerArchiver
	Logger        *slog.Logger
	Clock         func() time.Time
}

// RequestMeta describes where a call came from
type RequestMeta struct {
	SourceIP  string
	UserAgent string
}

// LoginInput is a credential presentation
type LoginInput struct {
	Email    string
	Password string
	RequestMeta
}

// UserView is the public projection of a user. It never carries the hash.
type UserView struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login,omitempty"`
}

// LoginResult is returned on successful login
type LoginResult struct {
	Tokens *TokenPair
	User   UserView
	Risk   *RiskAssessment
}

// AuthService orchestrates login, refresh, logout and password flows
type AuthService struct {
	users         repository.UserRepository
	ledger        repository.LoginAttemptRepository
	refreshTokens repository.RefreshTokenRepository
	tx            repository.TxRunner
	tokens        *TokenService
	hasher        *CredentialHasher
	risk          *RiskAssessor
	audit         audit.Recorder
	sanitizer     sanitizer.TextSanitizer
	notifier      ResetNotifier
	archiver      LedgerArchiver
	logger        *slog.Logger
	now           func() time.Time
	opts          Options
	pending       sync.WaitGroup
}

// NewAuthService creates a new AuthService instance
func NewAuthService(deps Dependencies, opts Options) *AuthService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Audit == nil {
		deps.Audit = audit.NopRecorder{}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitizer.NewTextSanitizer(sanitizer.DefaultMaxLength)
	}
	if deps.Hasher == nil {
		deps.Hasher = NewCredentialHasher()
	}
	if opts.ArchivePageSize <= 0 {
		opts.ArchivePageSize = DefaultOptions().ArchivePageSize
	}
	tokens := deps.Tokens
	if tokens != nil {
		tokens = tokens.WithClock(deps.Clock)
	}

	return &AuthService{
		users:         deps.Users,
		ledger:        deps.Ledger,
		refreshTokens: deps.RefreshTokens,
		tx:            deps.Tx,
		tokens:        tokens,
		hasher:        deps.Hasher,
		risk:          NewRiskAssessor(opts.Risk, deps.Ledger),
		audit:         deps.Audit,
		sanitizer:     deps.Sanitizer,
		notifier:      deps.Notifier,
		archiver:      deps.Archiver,
		logger:        deps.Logger,
		now:           deps.Clock,
		opts:          opts,
	}
}

// Login authenticates a credential presentation and issues a token pair
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := normalizeEmail(in.Email)
	meta := s.cleanMeta(in.RequestMeta)
	now := s.now()

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("load user: %w", err)
		}
		s.hasher.VerifyDummy(in.Password)
		s.emit(ctx, audit.ActionLoginFailed, "", email, meta, map[string]any{"reason": "unknown_email"})
		metrics.LoginAttemptsTotal.WithLabelValues("unknown_email").Inc()
		return nil, Unauthorized(MsgInvalidCredentials)
	}

	decision, err := s.lockoutDecision(ctx, email, now)
	if err != nil {
		return nil, err
	}
	if decision.Locked {
		s.recordAttempt(ctx, email, user.ID, meta, false, now)
		minutes := decision.RemainingMinutes(now)
		s.emit(ctx, audit.ActionLoginFailed, user.ID.String(), user.ID.String(), meta, map[string]any{
			"reason":            "account_locked",
			"remaining_minutes": minutes,
			"failure_count":     decision.FailureCount,
		})
		s.logger.Warn("login rejected: account locked",
			"user_id", user.ID.String(),
			"source_ip", meta.SourceIP,
			"failure_count", decision.FailureCount,
		)
		metrics.LockoutsTotal.Inc()
		metrics.LoginAttemptsTotal.WithLabelValues("locked").Inc()
		return nil, Unauthorized(fmt.Sprintf("Account is temporarily locked. Try again in %d minute(s)", minutes))
	}

	if !user.IsActive {
		s.emit(ctx, audit.ActionLoginFailed, user.ID.String(), user.ID.String(), meta, map[string]any{"reason": "account_disabled"})
		metrics.LoginAttemptsTotal.WithLabelValues("disabled").Inc()
		return nil, Unauthorized(MsgAccountDisabled)
	}

	if !s.hasher.Verify(in.Password, user.PasswordHash) {
		s.recordAttempt(ctx, email, user.ID, meta, false, now)
		s.emit(ctx, audit.ActionLoginFailed, user.ID.String(), user.ID.String(), meta, map[string]any{
			"reason":        "invalid_password",
			"failure_count": decision.FailureCount + 1,
		})
		metrics.LoginAttemptsTotal.WithLabelValues("invalid_password").Inc()
		return nil, Unauthorized(MsgInvalidCredentials)
	}

	// Assessed before the success is recorded so the current IP and user
	// agent are not already part of the known history.
	assessment, err := s.risk.Assess(ctx, RiskInput{
		Email:     email,
		SubjectID: user.ID,
		SourceIP:  meta.SourceIP,
		UserAgent: meta.UserAgent,
		At:        now,
	})
	if err != nil {
		s.logger.Warn("risk assessment failed", "user_id", user.ID.String(), "error", err)
	}
	if assessment != nil {
		metrics.RiskAssessmentsTotal.WithLabelValues(string(assessment.Action)).Inc()
		if s.opts.RiskBlockEnforced && assessment.Action == RiskBlock {
			s.recordAttempt(ctx, email, user.ID, meta, false, now)
			s.emit(ctx, audit.ActionLoginFailed, user.ID.String(), user.ID.String(), meta, map[string]any{
				"reason":       "risk_blocked",
				"risk_score":   assessment.Score,
				"risk_factors": assessment.Factors,
			})
			metrics.LoginAttemptsTotal.WithLabelValues("risk_blocked").Inc()
			return nil, Unauthorized(MsgInvalidCredentials)
		}
	}

	s.recordAttempt(ctx, email, user.ID, meta, true, now)
	if err := s.users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	user.LastLoginAt = &now

	pair, err := s.tokens.IssueTokenPair(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	details := map[string]any{}
	if assessment != nil {
		details["risk_score"] = assessment.Score
		details["risk_action"] = string(assessment.Action)
		details["risk_factors"] = assessment.Factors
	}
	s.emit(ctx, audit.ActionLogin, user.ID.String(), user.ID.String(), meta, details)
	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()

	return &LoginResult{
		Tokens: pair,
		User:   toUserView(user),
		Risk:   assessment,
	}, nil
}

// Refresh rotates a refresh token into a new token pair
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.VerifyRefreshToken(ctx, refreshToken)
	if err != nil {
		if KindOf(err) == KindUnauthorized {
			metrics.TokenRefreshTotal.WithLabelValues("invalid").Inc()
			return nil, Unauthorized(MsgInvalidToken)
		}
		return nil, fmt.Errorf("verify refresh token: %w", err)
	}

	subjectID, err := uuid.Parse(claims.Subject)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("invalid").Inc()
		return nil, Unauthorized(MsgInvalidToken)
	}

	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			metrics.TokenRefreshTotal.WithLabelValues("invalid").Inc()
			return nil, Unauthorized(MsgInvalidToken)
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		metrics.TokenRefreshTotal.WithLabelValues("inactive").Inc()
		return nil, Unauthorized(MsgInvalidToken)
	}

	pair, err := s.tokens.IssueTokenPair(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	if s.opts.RotationRevokesOldToken {
		if tokenID, err := uuid.Parse(claims.ID); err == nil {
			if err := s.tokens.RevokeRefreshToken(ctx, tokenID); err != nil {
				s.logger.Warn("failed to revoke rotated refresh token", "user_id", user.ID.String(), "error", err)
			}
		}
	}

	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	return pair, nil
}

// Logout revokes the refresh token when it is valid. It never fails.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, meta RequestMeta) {
	if refreshToken == "" {
		return
	}

	claims, err := s.tokens.VerifyRefreshToken(ctx, refreshToken)
	if err != nil {
		s.logger.Debug("logout with unusable refresh token", "error", err)
		return
	}
	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return
	}
	if err := s.tokens.RevokeRefreshToken(ctx, tokenID); err != nil {
		s.logger.Warn("failed to revoke refresh token on logout", "user_id", claims.Subject, "error", err)
		return
	}

	s.emit(ctx, audit.ActionLogout, claims.Subject, claims.Subject, s.cleanMeta(meta), nil)
}

// ChangePassword replaces the password after verifying the current one and
// revokes every refresh token of the subject in the same transaction.
func (s *AuthService) ChangePassword(ctx context.Context, subjectID uuid.UUID, currentPassword, newPassword string, meta RequestMeta) error {
	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return Unauthorized(MsgInvalidToken)
		}
		return fmt.Errorf("load user: %w", err)
	}

	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		return Unauthorized(MsgWrongPassword)
	}
	if res := s.hasher.ValidateStrength(newPassword); !res.Valid {
		return Validation(res.Reason)
	}

	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	now := s.now()
	err = s.tx.RunInTx(ctx, func(ctx context.Context, repos repository.TxRepositories) error {
		if err := repos.Users.UpdatePasswordHash(ctx, user.ID, digest, now); err != nil {
			return err
		}
		if err := s.tokens.WithIndex(repos.RefreshTokens).RevokeAllForSubject(ctx, user.ID); err != nil {
			return err
		}
		_, err := repos.PasswordResets.InvalidateAllForOwner(ctx, user.ID, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}

	s.emit(ctx, audit.ActionPasswordChanged, user.ID.String(), user.ID.String(), s.cleanMeta(meta), nil)
	metrics.PasswordChangesTotal.WithLabelValues("change").Inc()
	s.logger.Info("password changed", "user_id", user.ID.String())
	return nil
}

// RequestPasswordReset issues a single-use reset token. Unknown and
// inactive identifiers get an empty token and no error.
func (s *AuthService) RequestPasswordReset(ctx context.Context, identifier string, meta RequestMeta) (string, error) {
	raw, err := newResetToken()
	if err != nil {
		return "", err
	}
	tokenHash := HashForStorage(raw)

	user, err := s.users.GetByEmail(ctx, normalizeEmail(identifier))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return "", nil
	}

	now := s.now()
	expiresAt := now.Add(s.opts.ResetTokenTTL)
	issue := func(ctx context.Context, repos repository.TxRepositories) error {
		if err := repos.Users.LockForUpdate(ctx, user.ID); err != nil {
			return err
		}
		if _, err := repos.PasswordResets.InvalidateAllForOwner(ctx, user.ID, now); err != nil {
			return err
		}
		return repos.PasswordResets.Create(ctx, &repository.PasswordResetToken{
			TokenHash: tokenHash,
			OwnerID:   user.ID,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		})
	}
	err = s.tx.RunInTx(ctx, issue)
	if errors.Is(err, repository.ErrResetTokenConflict) {
		// a concurrent request committed first; the retry invalidates its token
		err = s.tx.RunInTx(ctx, issue)
	}
	if errors.Is(err, repository.ErrUserNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store reset token: %w", err)
	}

	s.emit(ctx, audit.ActionPasswordResetRequested, user.ID.String(), user.ID.String(), s.cleanMeta(meta), map[string]any{
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	s.deliverReset(ctx, user, raw, expiresAt)
	return raw, nil
}

// deliverReset hands the token to the notifier off the request path, so a
// slow or failing delivery channel does not change the response time.
func (s *AuthService) deliverReset(ctx context.Context, user *repository.User, raw string, expiresAt time.Time) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, resetDeliveryTimeout)
		defer cancel()
		if err := s.notifier.SendPasswordReset(ctx, user, raw, expiresAt); err != nil {
			s.logger.Warn("failed to deliver password reset", "user_id", user.ID.String(), "error", err)
		}
	}()
}

// Wait blocks until background reset deliveries have finished
func (s *AuthService) Wait() {
	s.pending.Wait()
}

// ResetPassword consumes a reset token and sets a new password. Marking the
// token used, updating the hash, invalidating other reset tokens and
// revoking all refresh tokens happen in one transaction.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string, meta RequestMeta) error {
	if !isResetTokenFormat(token) {
		return Validation("Invalid reset token format")
	}
	if res := s.hasher.ValidateStrength(newPassword); !res.Valid {
		return Validation(res.Reason)
	}

	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	now := s.now()
	var ownerID uuid.UUID
	err = s.tx.RunInTx(ctx, func(ctx context.Context, repos repository.TxRepositories) error {
		record, err := repos.PasswordResets.GetActiveByHashForUpdate(ctx, HashForStorage(token), now)
		if err != nil {
			if errors.Is(err, repository.ErrResetTokenNotFound) {
				return Unauthorized(MsgInvalidResetToken)
			}
			return err
		}
		ownerID = record.OwnerID

		user, err := repos.Users.GetByID(ctx, ownerID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return Unauthorized(MsgInvalidResetToken)
			}
			return err
		}
		if !user.IsActive {
			return Unauthorized(MsgInvalidResetToken)
		}

		if err := repos.PasswordResets.MarkUsed(ctx, record.ID, now); err != nil {
			if errors.Is(err, repository.ErrResetTokenNotFound) {
				return Unauthorized(MsgInvalidResetToken)
			}
			return err
		}
		if err := repos.Users.UpdatePasswordHash(ctx, ownerID, digest, now); err != nil {
			return err
		}
		if _, err := repos.PasswordResets.InvalidateAllForOwner(ctx, ownerID, now); err != nil {
			return err
		}
		return s.tokens.WithIndex(repos.RefreshTokens).RevokeAllForSubject(ctx, ownerID)
	})
	if err != nil {
		if KindOf(err) != "" {
			return err
		}
		return fmt.Errorf("reset password: %w", err)
	}

	s.emit(ctx, audit.ActionPasswordReset, ownerID.String(), ownerID.String(), s.cleanMeta(meta), nil)
	metrics.PasswordChangesTotal.WithLabelValues("reset").Inc()
	s.logger.Info("password reset", "user_id", ownerID.String())
	return nil
}

// GetLoginStats aggregates the ledger over the last hours (1 to 168)
func (s *AuthService) GetLoginStats(ctx context.Context, hours int) (*repository.LoginStats, error) {
	if hours < 1 || hours > MaxStatsWindowHours {
		return nil, Validation(fmt.Sprintf("hours must be between 1 and %d", MaxStatsWindowHours))
	}
	since := s.now().Add(-time.Duration(hours) * time.Hour)

	stats, err := s.ledger.StatsSince(ctx, since, TopFailingSources)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CleanupOldAttempts archives (when configured) and purges ledger entries
// older than the retention period. Failures are logged and reported as 0.
func (s *AuthService) CleanupOldAttempts(ctx context.Context) int64 {
	now := s.now()
	cutoff := now.Add(-s.opts.RetentionPeriod)

	if s.archiver != nil {
		if err := s.archiveOlderThan(ctx, cutoff); err != nil {
			s.logger.Error("ledger archive failed, purge skipped", "cutoff", cutoff, "error", err)
			return 0
		}
	}

	done := metrics.TimeQuery("ledger_purge")
	deleted, err := s.ledger.PurgeOlderThan(ctx, cutoff)
	done()
	if err != nil {
		s.logger.Error("ledger purge failed", "cutoff", cutoff, "error", err)
		return 0
	}
	metrics.LedgerPurgedTotal.Add(float64(deleted))

	if s.refreshTokens != nil {
		expired, err := s.refreshTokens.PurgeExpired(ctx, now)
		if err != nil {
			s.logger.Warn("refresh token purge failed", "error", err)
		} else if expired > 0 {
			s.logger.Info("purged expired refresh tokens", "count", expired)
		}
	}

	s.logger.Info("ledger retention sweep completed", "cutoff", cutoff, "deleted", deleted)
	return deleted
}

func (s *AuthService) archiveOlderThan(ctx context.Context, cutoff time.Time) error {
	afterID := ""
	for {
		batch, err := s.ledger.ListOlderThan(ctx, cutoff, afterID, s.opts.ArchivePageSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := s.archiver.Archive(ctx, cutoff, batch); err != nil {
			return err
		}
		afterID = batch[len(batch)-1].ID
		if len(batch) < s.opts.ArchivePageSize {
			return nil
		}
	}
}

// CheckLockout reports the current lockout decision for an email
func (s *AuthService) CheckLockout(ctx context.Context, email string) (*LockoutDecision, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, Validation("email is required")
	}
	decision, err := s.lockoutDecision(ctx, email, s.now())
	if err != nil {
		return nil, err
	}
	return &decision, nil
}

func (s *AuthService) lockoutDecision(ctx context.Context, email string, now time.Time) (LockoutDecision, error) {
	failures, err := s.ledger.RecentFailures(ctx, email, now.Add(-s.opts.Lockout.Window))
	if err != nil {
		return LockoutDecision{}, fmt.Errorf("load recent failures: %w", err)
	}
	return s.opts.Lockout.Evaluate(failures, now), nil
}

// recordAttempt appends to the ledger. A failed write is logged and does
// not change the outcome of the login.
func (s *AuthService) recordAttempt(ctx context.Context, email string, userID uuid.UUID, meta RequestMeta, succeeded bool, at time.Time) {
	attempt := &repository.LoginAttempt{
		Email:      email,
		UserID:     &userID,
		IPAddress:  meta.SourceIP,
		Succeeded:  succeeded,
		OccurredAt: at,
	}
	if meta.UserAgent != "" {
		ua := meta.UserAgent
		attempt.UserAgent = &ua
	}
	if err := s.ledger.Record(ctx, attempt); err != nil {
		s.logger.Error("failed to record login attempt",
			"user_id", userID.String(),
			"succeeded", succeeded,
			"error", err,
		)
	}
}

func (s *AuthService) emit(ctx context.Context, action audit.Action, subjectID, resourceID string, meta RequestMeta, details map[string]any) {
	s.audit.Record(ctx, audit.Event{
		SubjectID:    subjectID,
		Action:       action,
		ResourceType: audit.ResourceTypeUser,
		ResourceID:   resourceID,
		Details:      details,
		SourceIP:     meta.SourceIP,
		UserAgent:    meta.UserAgent,
		OccurredAt:   s.now(),
	})
}

func (s *AuthService) cleanMeta(meta RequestMeta) RequestMeta {
	return RequestMeta{
		SourceIP:  strings.TrimSpace(meta.SourceIP),
		UserAgent: s.sanitizer.Sanitize(meta.UserAgent),
	}
}

func toUserView(u *repository.User) UserView {
	return UserView{
		ID:          u.ID.String(),
		Email:       u.Email,
		Role:        u.Role,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newResetToken() (string, error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func isResetTokenFormat(token string) bool {
	if len(token) != resetTokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
