package auth

import (
	"math"
	"time"

	"github.com/welldanyogia/authguard/internal/repository"
)

// Tier is one threshold/duration pair of the progressive lockout table
type Tier struct {
	Threshold int
	Duration  time.Duration
}

// LockoutPolicy converts recent failures into a lock decision. Tiers must
// be sorted by ascending threshold.
type LockoutPolicy struct {
	Window time.Duration
	Tiers  []Tier
}

// DefaultLockoutPolicy returns the standard 3/5/8/10 failure tiers over 24 hours
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Window: 24 * time.Hour,
		Tiers: []Tier{
			{Threshold: 3, Duration: time.Minute},
			{Threshold: 5, Duration: 5 * time.Minute},
			{Threshold: 8, Duration: 15 * time.Minute},
			{Threshold: 10, Duration: 60 * time.Minute},
		},
	}
}

// LockoutDecision is derived on demand and never stored
type LockoutDecision struct {
	Locked       bool       `json:"locked"`
	UnlockAt     *time.Time `json:"unlock_at,omitempty"`
	FailureCount int        `json:"failure_count"`
}

// RemainingMinutes rounds the time left on the lock up to whole minutes
func (d LockoutDecision) RemainingMinutes(now time.Time) int {
	if !d.Locked || d.UnlockAt == nil {
		return 0
	}
	return int(math.Ceil(d.UnlockAt.Sub(now).Minutes()))
}

// Evaluate decides whether the account is locked at now given its failed
// attempts. Only failures inside the window count, and every tier's unlock
// time is measured from the most recent failure.
//
// Tiers are walked from the lowest threshold up. Every qualifying tier
// whose lock is still running holds the account, so the reported unlock
// time is the latest of them: the moment Locked turns false.
func (p LockoutPolicy) Evaluate(failures []repository.LoginAttempt, now time.Time) LockoutDecision {
	windowStart := now.Add(-p.Window)

	count := 0
	var mostRecent time.Time
	for _, attempt := range failures {
		if attempt.Succeeded || attempt.OccurredAt.Before(windowStart) {
			continue
		}
		count++
		if attempt.OccurredAt.After(mostRecent) {
			mostRecent = attempt.OccurredAt
		}
	}

	decision := LockoutDecision{FailureCount: count}
	for _, tier := range p.Tiers {
		if count < tier.Threshold {
			break
		}
		unlockAt := mostRecent.Add(tier.Duration)
		if !unlockAt.After(now) {
			continue
		}
		if decision.UnlockAt == nil || unlockAt.After(*decision.UnlockAt) {
			decision.Locked = true
			decision.UnlockAt = &unlockAt
		}
	}
	return decision
}
