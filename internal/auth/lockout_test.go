package auth

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/welldanyogia/authguard/internal/repository"
)

func failuresAt(times ...time.Time) []repository.LoginAttempt {
	out := make([]repository.LoginAttempt, 0, len(times))
	for _, at := range times {
		out = append(out, repository.LoginAttempt{Email: "x@example.com", OccurredAt: at})
	}
	return out
}

func TestLockoutPolicy_Evaluate(t *testing.T) {
	policy := DefaultLockoutPolicy()
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)

	repeat := func(n int, at time.Time) []time.Time {
		out := make([]time.Time, n)
		for i := range out {
			out[i] = at
		}
		return out
	}

	tests := []struct {
		name       string
		failures   []repository.LoginAttempt
		wantLocked bool
		wantUnlock time.Time
		wantCount  int
	}{
		{
			name:      "no failures",
			wantCount: 0,
		},
		{
			name:      "two failures never lock",
			failures:  failuresAt(repeat(2, now)...),
			wantCount: 2,
		},
		{
			name:       "three failures lock one minute from the most recent",
			failures:   failuresAt(now.Add(-10*time.Second), now.Add(-40*time.Second), now.Add(-2*time.Hour)),
			wantLocked: true,
			wantUnlock: now.Add(50 * time.Second),
			wantCount:  3,
		},
		{
			name:      "expired lowest tier",
			failures:  failuresAt(repeat(4, now.Add(-2*time.Minute))...),
			wantCount: 4,
		},
		{
			name:       "five failures after the one minute tier expired",
			failures:   failuresAt(repeat(5, now.Add(-2*time.Minute))...),
			wantLocked: true,
			wantUnlock: now.Add(3 * time.Minute),
			wantCount:  5,
		},
		{
			name:       "ten failures report the sixty minute unlock",
			failures:   failuresAt(repeat(10, now.Add(-10*time.Second))...),
			wantLocked: true,
			wantUnlock: now.Add(60*time.Minute - 10*time.Second),
			wantCount:  10,
		},
		{
			name:      "failures outside the window are ignored",
			failures:  failuresAt(append(repeat(2, now.Add(-time.Minute+time.Second)), repeat(8, now.Add(-25*time.Hour))...)...),
			wantCount: 2,
		},
		{
			name: "succeeded rows do not count",
			failures: []repository.LoginAttempt{
				{OccurredAt: now, Succeeded: true},
				{OccurredAt: now, Succeeded: true},
				{OccurredAt: now},
			},
			wantCount: 1,
		},
		{
			name:      "unlock time equal to now is unlocked",
			failures:  failuresAt(repeat(3, now.Add(-time.Minute))...),
			wantCount: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.Evaluate(tt.failures, now)
			if got.Locked != tt.wantLocked {
				t.Fatalf("locked = %v, want %v", got.Locked, tt.wantLocked)
			}
			if got.FailureCount != tt.wantCount {
				t.Errorf("failure count = %d, want %d", got.FailureCount, tt.wantCount)
			}
			if !tt.wantLocked {
				if got.UnlockAt != nil {
					t.Errorf("unlocked decision carries unlock time %v", got.UnlockAt)
				}
				return
			}
			if got.UnlockAt == nil || !got.UnlockAt.Equal(tt.wantUnlock) {
				t.Errorf("unlock at = %v, want %v", got.UnlockAt, tt.wantUnlock)
			}
		})
	}
}

func TestLockoutDecision_RemainingMinutes(t *testing.T) {
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		u := now.Add(d)
		return &u
	}

	tests := []struct {
		decision LockoutDecision
		want     int
	}{
		{LockoutDecision{}, 0},
		{LockoutDecision{Locked: true, UnlockAt: at(time.Second)}, 1},
		{LockoutDecision{Locked: true, UnlockAt: at(time.Minute)}, 1},
		{LockoutDecision{Locked: true, UnlockAt: at(time.Minute + time.Second)}, 2},
		{LockoutDecision{Locked: true, UnlockAt: at(60 * time.Minute)}, 60},
	}
	for _, tt := range tests {
		if got := tt.decision.RemainingMinutes(now); got != tt.want {
			t.Errorf("RemainingMinutes(%v) = %d, want %d", tt.decision.UnlockAt, got, tt.want)
		}
	}
}

// highestTier returns the longest lock the failure count qualifies for
func highestTier(p LockoutPolicy, count int) time.Duration {
	var d time.Duration
	for _, tier := range p.Tiers {
		if count >= tier.Threshold {
			d = tier.Duration
		}
	}
	return d
}

// Property: an account with N failures inside the window stays locked until
// the longest qualifying tier has run from the most recent failure, and the
// reported unlock time is exactly when the lock ends.
func TestLockoutPolicy_LockedUntilHighestTierExpires(t *testing.T) {
	policy := DefaultLockoutPolicy()
	base := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 15).Draw(t, "failures")

		var times []time.Time
		last := base
		for i := 0; i < n; i++ {
			last = last.Add(time.Duration(rapid.IntRange(0, 120).Draw(t, "gap")) * time.Second)
			times = append(times, last)
		}
		now := last.Add(time.Duration(rapid.IntRange(0, 3700).Draw(t, "elapsed")) * time.Second)

		got := policy.Evaluate(failuresAt(times...), now)
		want := now.Before(last.Add(highestTier(policy, n)))

		if got.Locked != want {
			t.Fatalf("n=%d elapsed=%s: locked=%v, want %v", n, now.Sub(last), got.Locked, want)
		}
		if got.Locked && !got.UnlockAt.Equal(last.Add(highestTier(policy, n))) {
			t.Fatalf("n=%d: unlock time %v, want %v", n, got.UnlockAt, last.Add(highestTier(policy, n)))
		}
		if got.Locked && !got.UnlockAt.After(now) {
			t.Fatalf("unlock time %v not after now %v", got.UnlockAt, now)
		}
		if got.Locked {
			after := policy.Evaluate(failuresAt(times...), *got.UnlockAt)
			if after.Locked {
				t.Fatalf("n=%d: still locked at the reported unlock time %v", n, got.UnlockAt)
			}
		}
		if n < 3 && got.Locked {
			t.Fatalf("%d failures locked the account", n)
		}
	})
}
