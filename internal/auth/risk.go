package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RiskAction is what the caller should do with a login
type RiskAction string

const (
	RiskAllow     RiskAction = "allow"
	RiskChallenge RiskAction = "challenge"
	RiskBlock     RiskAction = "block"
)

// browserFamilies are the coarse user agent tokens compared between logins
var browserFamilies = []string{"chrome", "firefox", "safari", "edge", "opera"}

// RiskPolicy holds factor weights, look-back windows and action thresholds
type RiskPolicy struct {
	RecentFailureWindow time.Duration
	RecentFailureWeight int
	RecentFailureCap    int
	UnknownIPWeight     int
	KnownIPWindow       time.Duration
	UserAgentWeight     int
	UserAgentWindow     time.Duration
	UserAgentSample     int
	UserAgentMinKnown   int
	OffHoursWeight      int
	DayStartHour        int
	DayEndHour          int
	ChallengeThreshold  int
	BlockThreshold      int
	Location            *time.Location
}

// DefaultRiskPolicy returns the standard weights and thresholds
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		RecentFailureWindow: time.Hour,
		RecentFailureWeight: 10,
		RecentFailureCap:    30,
		UnknownIPWeight:     25,
		KnownIPWindow:       30 * 24 * time.Hour,
		UserAgentWeight:     15,
		UserAgentWindow:     7 * 24 * time.Hour,
		UserAgentSample:     10,
		UserAgentMinKnown:   3,
		OffHoursWeight:      10,
		DayStartHour:        6,
		DayEndHour:          22,
		ChallengeThreshold:  40,
		BlockThreshold:      70,
		Location:            time.Local,
	}
}

// RiskAssessment is derived per login and never stored
type RiskAssessment struct {
	Score   int        `json:"score"`
	Factors []string   `json:"factors"`
	Action  RiskAction `json:"action"`
}

// RiskSignals is the history a score is computed from
type RiskSignals struct {
	RecentFailures  int
	KnownIPs        []string
	KnownUserAgents []string
	SourceIP        string
	UserAgent       string
	At              time.Time
}

// Score sums the factors in a fixed order and clamps to [0, 100]
func (p RiskPolicy) Score(sig RiskSignals) RiskAssessment {
	score := 0
	factors := []string{}

	if sig.RecentFailures > 0 {
		score += min(sig.RecentFailures*p.RecentFailureWeight, p.RecentFailureCap)
		factors = append(factors, fmt.Sprintf("%d failed login attempt(s) in the last %s", sig.RecentFailures, humanDuration(p.RecentFailureWindow)))
	}

	if len(sig.KnownIPs) > 0 && !slices.Contains(sig.KnownIPs, sig.SourceIP) {
		score += p.UnknownIPWeight
		factors = append(factors, "Login from an unrecognized IP address")
	}

	if sig.UserAgent != "" && len(sig.KnownUserAgents) >= p.UserAgentMinKnown && !matchesAnyBrowser(sig.UserAgent, sig.KnownUserAgents) {
		score += p.UserAgentWeight
		factors = append(factors, "Login from an unrecognized browser")
	}

	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	hour := sig.At.In(loc).Hour()
	if hour < p.DayStartHour || hour >= p.DayEndHour {
		score += p.OffHoursWeight
		factors = append(factors, fmt.Sprintf("Login outside normal hours (%02d:00)", hour))
	}

	score = max(0, min(score, 100))
	return RiskAssessment{Score: score, Factors: factors, Action: p.action(score)}
}

func (p RiskPolicy) action(score int) RiskAction {
	switch {
	case score >= p.BlockThreshold:
		return RiskBlock
	case score >= p.ChallengeThreshold:
		return RiskChallenge
	default:
		return RiskAllow
	}
}

// RiskHistory is the part of the login ledger the assessor reads
type RiskHistory interface {
	CountRecentFailures(ctx context.Context, email string, since time.Time) (int, error)
	KnownSuccessfulIPs(ctx context.Context, userID uuid.UUID, since time.Time) ([]string, error)
	RecentSuccessfulUserAgents(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]string, error)
}

// RiskInput describes the login being assessed
type RiskInput struct {
	Email     string
	SubjectID uuid.UUID
	SourceIP  string
	UserAgent string
	At        time.Time
}

// RiskAssessor scores logins against the subject's history
type RiskAssessor struct {
	policy  RiskPolicy
	history RiskHistory
}

// NewRiskAssessor creates a new RiskAssessor instance
func NewRiskAssessor(policy RiskPolicy, history RiskHistory) *RiskAssessor {
	return &RiskAssessor{policy: policy, history: history}
}

// Assess loads the history for in and scores it
func (a *RiskAssessor) Assess(ctx context.Context, in RiskInput) (*RiskAssessment, error) {
	failures, err := a.history.CountRecentFailures(ctx, in.Email, in.At.Add(-a.policy.RecentFailureWindow))
	if err != nil {
		return nil, fmt.Errorf("load recent failures: %w", err)
	}

	knownIPs, err := a.history.KnownSuccessfulIPs(ctx, in.SubjectID, in.At.Add(-a.policy.KnownIPWindow))
	if err != nil {
		return nil, fmt.Errorf("load known ips: %w", err)
	}

	var agents []string
	if in.UserAgent != "" {
		agents, err = a.history.RecentSuccessfulUserAgents(ctx, in.SubjectID, in.At.Add(-a.policy.UserAgentWindow), a.policy.UserAgentSample)
		if err != nil {
			return nil, fmt.Errorf("load known user agents: %w", err)
		}
	}

	assessment := a.policy.Score(RiskSignals{
		RecentFailures:  failures,
		KnownIPs:        knownIPs,
		KnownUserAgents: agents,
		SourceIP:        in.SourceIP,
		UserAgent:       in.UserAgent,
		At:              in.At,
	})
	return &assessment, nil
}

// matchesAnyBrowser reports whether ua shares a browser family token with
// any of the known user agents
func matchesAnyBrowser(ua string, known []string) bool {
	current := browserTokens(ua)
	for _, k := range known {
		for token := range browserTokens(k) {
			if current[token] {
				return true
			}
		}
	}
	return false
}

func browserTokens(ua string) map[string]bool {
	lower := strings.ToLower(ua)
	tokens := make(map[string]bool)
	for _, family := range browserFamilies {
		if strings.Contains(lower, family) {
			tokens[family] = true
		}
	}
	return tokens
}

func humanDuration(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	default:
		return d.String()
	}
}
