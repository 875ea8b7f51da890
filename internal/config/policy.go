package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SecurityConfig is the tunable security policy. Defaults match the
// documented lockout tiers and risk weights; a YAML file may override any
// subset of fields.
type SecurityConfig struct {
	Lockout         LockoutConfig `yaml:"lockout"`
	Risk            RiskConfig    `yaml:"risk"`
	Tokens          TokenConfig   `yaml:"tokens"`
	ResetTokenTTL   time.Duration `yaml:"reset_token_ttl"`
	RetentionPeriod time.Duration `yaml:"retention_period"`

	RotationRevokesOldToken bool   `yaml:"rotation_revokes_old_token"`
	RiskBlockEnforced       bool   `yaml:"risk_block_enforced"`
	Timezone                string `yaml:"timezone"`
}

// LockoutConfig holds the progressive lockout tiers
type LockoutConfig struct {
	Window time.Duration `yaml:"window"`
	Tiers  []TierConfig  `yaml:"tiers"`
}

// TierConfig is one threshold/duration pair
type TierConfig struct {
	Threshold int           `yaml:"threshold"`
	Duration  time.Duration `yaml:"duration"`
}

// RiskConfig holds risk factor weights, look-back windows and action thresholds
type RiskConfig struct {
	RecentFailureWindow time.Duration `yaml:"recent_failure_window"`
	RecentFailureWeight int           `yaml:"recent_failure_weight"`
	RecentFailureCap    int           `yaml:"recent_failure_cap"`
	UnknownIPWeight     int           `yaml:"unknown_ip_weight"`
	KnownIPWindow       time.Duration `yaml:"known_ip_window"`
	UserAgentWeight     int           `yaml:"user_agent_weight"`
	UserAgentWindow     time.Duration `yaml:"user_agent_window"`
	UserAgentSample     int           `yaml:"user_agent_sample"`
	UserAgentMinKnown   int           `yaml:"user_agent_min_known"`
	OffHoursWeight      int           `yaml:"off_hours_weight"`
	DayStartHour        int           `yaml:"day_start_hour"`
	DayEndHour          int           `yaml:"day_end_hour"`
	ChallengeThreshold  int           `yaml:"challenge_threshold"`
	BlockThreshold      int           `yaml:"block_threshold"`
}

// TokenConfig holds token lifetimes
type TokenConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// DefaultSecurityConfig returns the built-in policy
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Lockout: LockoutConfig{
			Window: 24 * time.Hour,
			Tiers: []TierConfig{
				{Threshold: 3, Duration: time.Minute},
				{Threshold: 5, Duration: 5 * time.Minute},
				{Threshold: 8, Duration: 15 * time.Minute},
				{Threshold: 10, Duration: 60 * time.Minute},
			},
		},
		Risk: RiskConfig{
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
		},
		Tokens: TokenConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		ResetTokenTTL:   time.Hour,
		RetentionPeriod: 30 * 24 * time.Hour,
		Timezone:        "Local",
	}
}

// LoadFile overlays the YAML policy at path onto the receiver
func (s *SecurityConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read security policy: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse security policy: %w", err)
	}
	return nil
}

// Location resolves the configured timezone used for the off-hours factor
func (s SecurityConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SECURITY_TIMEZONE %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// Validate rejects policies the evaluators cannot apply consistently
func (s SecurityConfig) Validate() error {
	if s.Lockout.Window <= 0 {
		return errors.New("lockout window must be positive")
	}
	if len(s.Lockout.Tiers) == 0 {
		return errors.New("at least one lockout tier is required")
	}
	prev := 0
	for i, tier := range s.Lockout.Tiers {
		if tier.Threshold <= prev {
			return fmt.Errorf("lockout tier %d: thresholds must be positive and strictly ascending", i)
		}
		if tier.Duration <= 0 {
			return fmt.Errorf("lockout tier %d: duration must be positive", i)
		}
		prev = tier.Threshold
	}

	r := s.Risk
	if r.RecentFailureWindow <= 0 || r.KnownIPWindow <= 0 || r.UserAgentWindow <= 0 {
		return errors.New("risk look-back windows must be positive")
	}
	if r.UserAgentSample <= 0 {
		return errors.New("risk user agent sample must be positive")
	}
	if r.DayStartHour < 0 || r.DayEndHour > 24 || r.DayStartHour >= r.DayEndHour {
		return errors.New("risk day hours must satisfy 0 <= start < end <= 24")
	}
	if r.ChallengeThreshold <= 0 || r.ChallengeThreshold > r.BlockThreshold || r.BlockThreshold > 100 {
		return errors.New("risk thresholds must satisfy 0 < challenge <= block <= 100")
	}

	if s.Tokens.AccessTTL <= 0 || s.Tokens.RefreshTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if s.ResetTokenTTL <= 0 {
		return errors.New("reset token lifetime must be positive")
	}
	if s.RetentionPeriod <= 0 {
		return errors.New("retention period must be positive")
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	return nil
}
