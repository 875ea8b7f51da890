package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/welldanyogia/authguard/internal/audit"
	"github.com/welldanyogia/authguard/internal/ids"
	"github.com/welldanyogia/authguard/internal/repository"
)

// Mock implementations for testing

var errInjected = errors.New("injected failure")

// mockStore is an in-memory stand-in for the Postgres store. RunInTx
// snapshots state and restores it when fn fails.
type mockStore struct {
	mu sync.Mutex

	users       map[uuid.UUID]repository.User
	attempts    []repository.LoginAttempt
	tokens      map[uuid.UUID]repository.RefreshToken
	generations map[uuid.UUID]int64
	resets      map[uuid.UUID]repository.PasswordResetToken

	// fail maps "repo.Method" to an error returned by that call
	fail map[string]error
	// failOnce is like fail but the error is returned by the first call only
	failOnce map[string]error
	// locks counts row locks taken per user
	locks map[uuid.UUID]int
	// writes counts mutating calls per "repo.Method"
	writes map[string]int
}

func newMockStore() *mockStore {
	return &mockStore{
		users:       make(map[uuid.UUID]repository.User),
		tokens:      make(map[uuid.UUID]repository.RefreshToken),
		generations: make(map[uuid.UUID]int64),
		resets:      make(map[uuid.UUID]repository.PasswordResetToken),
		fail:        make(map[string]error),
		failOnce:    make(map[string]error),
		locks:       make(map[uuid.UUID]int),
		writes:      make(map[string]int),
	}
}

func (s *mockStore) failing(op string) error {
	if err, ok := s.failOnce[op]; ok {
		delete(s.failOnce, op)
		return err
	}
	return s.fail[op]
}

func (s *mockStore) wrote(op string) {
	s.writes[op]++
}

func (s *mockStore) totalWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.writes {
		n += c
	}
	return n
}

func (s *mockStore) Users() *mockUserRepository         { return &mockUserRepository{s} }
func (s *mockStore) Ledger() *mockLedger                 { return &mockLedger{s} }
func (s *mockStore) RefreshTokens() *mockRefreshTokens   { return &mockRefreshTokens{s} }
func (s *mockStore) PasswordResets() *mockPasswordResets { return &mockPasswordResets{s} }

func (s *mockStore) user(id uuid.UUID) repository.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id]
}

func (s *mockStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *mockStore) resetTokens() []repository.PasswordResetToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.PasswordResetToken, 0, len(s.resets))
	for _, r := range s.resets {
		out = append(out, r)
	}
	return out
}

type mockSnapshot struct {
	users       map[uuid.UUID]repository.User
	tokens      map[uuid.UUID]repository.RefreshToken
	generations map[uuid.UUID]int64
	resets      map[uuid.UUID]repository.PasswordResetToken
}

func (s *mockStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repos repository.TxRepositories) error) error {
	s.mu.Lock()
	snap := mockSnapshot{
		users:       copyMap(s.users),
		tokens:      copyMap(s.tokens),
		generations: copyMap(s.generations),
		resets:      copyMap(s.resets),
	}
	s.mu.Unlock()

	err := fn(ctx, repository.TxRepositories{
		Users:          s.Users(),
		RefreshTokens:  s.RefreshTokens(),
		PasswordResets: s.PasswordResets(),
	})
	if err != nil {
		s.mu.Lock()
		s.users = snap.users
		s.tokens = snap.tokens
		s.generations = snap.generations
		s.resets = snap.resets
		s.mu.Unlock()
	}
	return err
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mockUserRepository implements repository.UserRepository for testing
type mockUserRepository struct{ s *mockStore }

func (m *mockUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.failing("users.GetByID"); err != nil {
		return nil, err
	}
	user, ok := m.s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &user, nil
}

func (m *mockUserRepository) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.failing("users.GetByEmail"); err != nil {
		return nil, err
	}
	for _, user := range m.s.users {
		if strings.EqualFold(user.Email, email) {
			return &user, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepository) RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("users.RecordLoginSuccess")
	user, ok := m.s.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &at
	m.s.users[id] = user
	return nil
}

func (m *mockUserRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("users.UpdatePasswordHash")
	if err := m.s.failing("users.UpdatePasswordHash"); err != nil {
		return err
	}
	user, ok := m.s.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.PasswordHash = hash
	user.UpdatedAt = at
	m.s.users[id] = user
	return nil
}

func (m *mockUserRepository) LockForUpdate(ctx context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.failing("users.LockForUpdate"); err != nil {
		return err
	}
	if _, ok := m.s.users[id]; !ok {
		return repository.ErrUserNotFound
	}
	m.s.locks[id]++
	return nil
}

// mockLedger implements repository.LoginAttemptRepository for testing
type mockLedger struct{ s *mockStore }

func (m *mockLedger) Record(ctx context.Context, attempt *repository.LoginAttempt) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("ledger.Record")
	if err := m.s.failing("ledger.Record"); err != nil {
		return err
	}
	if attempt.ID == "" {
		attempt.ID = ids.NewAt(attempt.OccurredAt)
	}
	attempt.Email = strings.ToLower(attempt.Email)
	m.s.attempts = append(m.s.attempts, *attempt)
	return nil
}

func (m *mockLedger) RecentFailures(ctx context.Context, email string, since time.Time) ([]repository.LoginAttempt, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.failing("ledger.RecentFailures"); err != nil {
		return nil, err
	}
	var out []repository.LoginAttempt
	for _, a := range m.s.attempts {
		if a.Email == strings.ToLower(email) && !a.Succeeded && !a.OccurredAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return out, nil
}

func (m *mockLedger) CountRecentFailures(ctx context.Context, email string, since time.Time) (int, error) {
	failures, err := m.RecentFailures(ctx, email, since)
	return len(failures), err
}

func (m *mockLedger) KnownSuccessfulIPs(ctx context.Context, userID uuid.UUID, since time.Time) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.failing("ledger.KnownSuccessfulIPs"); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, a := range m.s.attempts {
		if a.UserID == nil || *a.UserID != userID || !a.Succeeded || a.OccurredAt.Before(since) {
			continue
		}
		if !seen[a.IPAddress] {
			seen[a.IPAddress] = true
			out = append(out, a.IPAddress)
		}
	}
	return out, nil
}

func (m *mockLedger) RecentSuccessfulUserAgents(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var matched []repository.LoginAttempt
	for _, a := range m.s.attempts {
		if a.UserID == nil || *a.UserID != userID || !a.Succeeded || a.UserAgent == nil || a.OccurredAt.Before(since) {
			continue
		}
		matched = append(matched, a)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].OccurredAt.After(matched[j].OccurredAt) })
	var out []string
	for _, a := range matched {
		if len(out) == limit {
			break
		}
		out = append(out, *a.UserAgent)
	}
	return out, nil
}

func (m *mockLedger) StatsSince(ctx context.Context, since time.Time, topN int) (*repository.LoginStats, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stats := &repository.LoginStats{Since: since, TopFailingIPs: []repository.SourceCount{}}
	failing := make(map[string]int)
	for _, a := range m.s.attempts {
		if a.OccurredAt.Before(since) {
			continue
		}
		stats.Total++
		if a.Succeeded {
			stats.Successful++
		} else {
			stats.Failed++
			failing[a.IPAddress]++
		}
	}
	for ip, count := range failing {
		stats.TopFailingIPs = append(stats.TopFailingIPs, repository.SourceCount{IP: ip, Count: count})
	}
	sort.Slice(stats.TopFailingIPs, func(i, j int) bool {
		a, b := stats.TopFailingIPs[i], stats.TopFailingIPs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.IP < b.IP
	})
	if len(stats.TopFailingIPs) > topN {
		stats.TopFailingIPs = stats.TopFailingIPs[:topN]
	}
	return stats, nil
}

func (m *mockLedger) ListOlderThan(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]repository.LoginAttempt, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []repository.LoginAttempt
	for _, a := range m.s.attempts {
		if a.OccurredAt.Before(cutoff) && a.ID > afterID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockLedger) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("ledger.PurgeOlderThan")
	if err := m.s.failing("ledger.PurgeOlderThan"); err != nil {
		return 0, err
	}
	kept := m.s.attempts[:0]
	var deleted int64
	for _, a := range m.s.attempts {
		if a.OccurredAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	m.s.attempts = kept
	return deleted, nil
}

// mockRefreshTokens implements repository.RefreshTokenRepository for testing
type mockRefreshTokens struct{ s *mockStore }

func (m *mockRefreshTokens) CurrentGeneration(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.generations[subjectID], nil
}

func (m *mockRefreshTokens) Create(ctx context.Context, token *repository.RefreshToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("tokens.Create")
	if err := m.s.failing("tokens.Create"); err != nil {
		return err
	}
	m.s.tokens[token.TokenID] = *token
	return nil
}

func (m *mockRefreshTokens) IsActive(ctx context.Context, tokenID, subjectID uuid.UUID, generation int64) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.failing("tokens.IsActive"); err != nil {
		return false, err
	}
	row, ok := m.s.tokens[tokenID]
	if !ok || row.SubjectID != subjectID || row.RevokedAt != nil {
		return false, nil
	}
	return row.Generation == generation && generation >= m.s.generations[subjectID], nil
}

func (m *mockRefreshTokens) Revoke(ctx context.Context, tokenID uuid.UUID, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("tokens.Revoke")
	if row, ok := m.s.tokens[tokenID]; ok && row.RevokedAt == nil {
		row.RevokedAt = &at
		m.s.tokens[tokenID] = row
	}
	return nil
}

func (m *mockRefreshTokens) RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("tokens.RevokeAllForSubject")
	if err := m.s.failing("tokens.RevokeAllForSubject"); err != nil {
		return err
	}
	m.s.generations[subjectID]++
	for id, row := range m.s.tokens {
		if row.SubjectID == subjectID && row.RevokedAt == nil {
			row.RevokedAt = &at
			m.s.tokens[id] = row
		}
	}
	return nil
}

func (m *mockRefreshTokens) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for id, row := range m.s.tokens {
		if row.ExpiresAt.Before(before) {
			delete(m.s.tokens, id)
			n++
		}
	}
	return n, nil
}

// mockPasswordResets implements repository.PasswordResetRepository for testing
type mockPasswordResets struct{ s *mockStore }

func (m *mockPasswordResets) InvalidateAllForOwner(ctx context.Context, ownerID uuid.UUID, at time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("resets.InvalidateAllForOwner")
	var n int64
	for id, r := range m.s.resets {
		if r.OwnerID == ownerID && !r.Used {
			r.Used = true
			r.UsedAt = &at
			m.s.resets[id] = r
			n++
		}
	}
	return n, nil
}

func (m *mockPasswordResets) Create(ctx context.Context, token *repository.PasswordResetToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("resets.Create")
	if err := m.s.failing("resets.Create"); err != nil {
		return err
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	for _, r := range m.s.resets {
		if r.OwnerID == token.OwnerID && !r.Used {
			return repository.ErrResetTokenConflict
		}
	}
	m.s.resets[token.ID] = *token
	return nil
}

func (m *mockPasswordResets) GetActiveByHashForUpdate(ctx context.Context, tokenHash string, now time.Time) (*repository.PasswordResetToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, r := range m.s.resets {
		if r.TokenHash == tokenHash && !r.Used && r.ExpiresAt.After(now) {
			return &r, nil
		}
	}
	return nil, repository.ErrResetTokenNotFound
}

func (m *mockPasswordResets) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.wrote("resets.MarkUsed")
	r, ok := m.s.resets[id]
	if !ok || r.Used {
		return repository.ErrResetTokenNotFound
	}
	r.Used = true
	r.UsedAt = &at
	m.s.resets[id] = r
	return nil
}

// mockAuditor records audit events in memory
type mockAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *mockAuditor) Record(ctx context.Context, event audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockAuditor) actions() []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Action, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Action)
	}
	return out
}

func (m *mockAuditor) last() audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return audit.Event{}
	}
	return m.events[len(m.events)-1]
}

// mockNotifier captures reset tokens handed to the delivery channel. When
// release is set, deliveries block until it is closed.
type mockNotifier struct {
	mu      sync.Mutex
	tokens  []string
	ctxErrs []error
	release chan struct{}
}

func (m *mockNotifier) SendPasswordReset(ctx context.Context, user *repository.User, rawToken string, expiresAt time.Time) error {
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, rawToken)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	return nil
}

func (m *mockNotifier) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

// mockArchiver records archived batches
type mockArchiver struct {
	batches [][]repository.LoginAttempt
	err     error
}

func (m *mockArchiver) Archive(ctx context.Context, cutoff time.Time, batch []repository.LoginAttempt) error {
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, append([]repository.LoginAttempt(nil), batch...))
	return nil
}

// mockClock is a settable clock
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *mockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// testingT is satisfied by both *testing.T and *rapid.T
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// testEnv wires an AuthService to in-memory collaborators
type testEnv struct {
	svc      *AuthService
	store    *mockStore
	auditor  *mockAuditor
	notifier *mockNotifier
	clock    *mockClock
	tokens   *TokenService
	hasher   *CredentialHasher
}

// daytime is inside [06:00, 22:00) UTC
var daytime = time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)

const testPassword = "ValidPass1!xx"

func newTestEnv(t testingT, configure ...func(*Options)) *testEnv {
	t.Helper()

	opts := DefaultOptions()
	opts.Risk.Location = time.UTC
	for _, fn := range configure {
		fn(&opts)
	}

	store := newMockStore()
	clock := &mockClock{now: daytime}
	auditor := &mockAuditor{}
	notifier := &mockNotifier{}
	hasher := NewCredentialHasherWithCost(bcrypt.MinCost)
	tokens := NewTokenService(TokenServiceConfig{
		AccessSecret:       "test-access-secret-key-32-chars!",
		RefreshSecret:      "test-refresh-secret-key-32-char!",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "test-issuer",
	}, store.RefreshTokens()).WithClock(clock.Now)

	svc := NewAuthService(Dependencies{
		Users:         store.Users(),
		Ledger:        store.Ledger(),
		RefreshTokens: store.RefreshTokens(),
		Tx:            store,
		Tokens:        tokens,
		Hasher:        hasher,
		Audit:         auditor,
		Notifier:      notifier,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:         clock.Now,
	}, opts)

	return &testEnv{
		svc:      svc,
		store:    store,
		auditor:  auditor,
		notifier: notifier,
		clock:    clock,
		tokens:   tokens,
		hasher:   hasher,
	}
}

// seedUser stores an active user with testPassword
func (e *testEnv) seedUser(t testingT, email string) repository.User {
	t.Helper()
	digest, err := e.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	now := e.clock.Now()
	user := repository.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: digest,
		Role:         "user",
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.store.mu.Lock()
	e.store.users[user.ID] = user
	e.store.mu.Unlock()
	return user
}

func (e *testEnv) setActive(id uuid.UUID, active bool) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	user := e.store.users[id]
	user.IsActive = active
	e.store.users[id] = user
}

// addAttempt writes a ledger row directly
func (e *testEnv) addAttempt(t testingT, email string, userID *uuid.UUID, ip, ua string, succeeded bool, at time.Time) {
	t.Helper()
	attempt := &repository.LoginAttempt{
		Email:      email,
		UserID:     userID,
		IPAddress:  ip,
		Succeeded:  succeeded,
		OccurredAt: at,
	}
	if ua != "" {
		attempt.UserAgent = &ua
	}
	if err := e.store.Ledger().Record(context.Background(), attempt); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
}

func (e *testEnv) login(email, password string) (*LoginResult, error) {
	return e.svc.Login(context.Background(), LoginInput{
		Email:       email,
		Password:    password,
		RequestMeta: RequestMeta{SourceIP: "203.0.113.10", UserAgent: "Mozilla/5.0 Chrome/120.0"},
	})
}
