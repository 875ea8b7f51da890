package auth

import (
	"github.com/welldanyogia/authguard/internal/config"
)

// OptionsFromConfig converts the validated security policy into service
// options. archivePageSize of zero keeps the default.
func OptionsFromConfig(sec config.SecurityConfig, archivePageSize int) (Options, error) {
	loc, err := sec.Location()
	if err != nil {
		return Options{}, err
	}

	tiers := make([]Tier, len(sec.Lockout.Tiers))
	for i, t := range sec.Lockout.Tiers {
		tiers[i] = Tier{Threshold: t.Threshold, Duration: t.Duration}
	}

	r := sec.Risk
	opts := Options{
		Lockout: LockoutPolicy{
			Window: sec.Lockout.Window,
			Tiers:  tiers,
		},
		Risk: RiskPolicy{
			RecentFailureWindow: r.RecentFailureWindow,
			RecentFailureWeight: r.RecentFailureWeight,
			RecentFailureCap:    r.RecentFailureCap,
			UnknownIPWeight:     r.UnknownIPWeight,
			KnownIPWindow:       r.KnownIPWindow,
			UserAgentWeight:     r.UserAgentWeight,
			UserAgentWindow:     r.UserAgentWindow,
			UserAgentSample:     r.UserAgentSample,
			UserAgentMinKnown:   r.UserAgentMinKnown,
			OffHoursWeight:      r.OffHoursWeight,
			DayStartHour:        r.DayStartHour,
			DayEndHour:          r.DayEndHour,
			ChallengeThreshold:  r.ChallengeThreshold,
			BlockThreshold:      r.BlockThreshold,
			Location:            loc,
		},
		ResetTokenTTL:           sec.ResetTokenTTL,
		RetentionPeriod:         sec.RetentionPeriod,
		RotationRevokesOldToken: sec.RotationRevokesOldToken,
		RiskBlockEnforced:       sec.RiskBlockEnforced,
		ArchivePageSize:         archivePageSize,
	}
	return opts, nil
}

// TokenServiceConfigFrom builds the token service settings from
// configuration
func TokenServiceConfigFrom(cfg *config.Config) TokenServiceConfig {
	return TokenServiceConfig{
		AccessSecret:       cfg.JWT.AccessSecret,
		RefreshSecret:      cfg.JWT.RefreshSecret,
		AccessTokenExpiry:  cfg.Security.Tokens.AccessTTL,
		RefreshTokenExpiry: cfg.Security.Tokens.RefreshTTL,
		Issuer:             cfg.JWT.Issuer,
	}
}
