package core

import "time"

// TokenConfig sets the lifetime of every signed token the service issues.
type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	SessionTTL time.Duration
	TempTTL    time.Duration
	Issuer     string
}

// FlowConfig sets the lifetime of single-use flow values and the
// provider call budget.
type FlowConfig struct {
	OAuthStateTTL   time.Duration
	SetupTokenTTL   time.Duration
	VerificationTTL time.Duration
	ProfileTokenTTL time.Duration
	ProviderTimeout time.Duration
	TOTPIssuer      string
	// TwoFactorMaxAttempts bounds wrong codes per temp token; the token
	// is spent once it is reached.
	TwoFactorMaxAttempts int
	// OAuthErrorURL receives callback errors when the state could not be
	// resolved to a callback URL.
	OAuthErrorURL string
}

func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		AccessTTL:  time.Hour,
		RefreshTTL: 30 * 24 * time.Hour,
		SessionTTL: 365 * 24 * time.Hour,
		TempTTL:    5 * time.Minute,
		Issuer:     "accountd",
	}
}

func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		OAuthStateTTL:   10 * time.Minute,
		SetupTokenTTL:   10 * time.Minute,
		VerificationTTL: 24 * time.Hour,
		ProfileTokenTTL: time.Hour,
		ProviderTimeout: 10 * time.Second,
		TOTPIssuer:      "accountd",
		OAuthErrorURL:   "/",

		TwoFactorMaxAttempts: 5,
	}
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxAttempts: 5,
		Duration:    15 * time.Minute,
	}
}

// WithDefaults fills zero fields from DefaultTokenConfig.
func (c TokenConfig) WithDefaults() TokenConfig {
	def := DefaultTokenConfig()
	if c.AccessTTL <= 0 {
		c.AccessTTL = def.AccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = def.RefreshTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = def.SessionTTL
	}
	if c.TempTTL <= 0 {
		c.TempTTL = def.TempTTL
	}
	if c.Issuer == "" {
		c.Issuer = def.Issuer
	}
	return c
}

func (c FlowConfig) WithDefaults() FlowConfig {
	def := DefaultFlowConfig()
	if c.OAuthStateTTL <= 0 {
		c.OAuthStateTTL = def.OAuthStateTTL
	}
	if c.SetupTokenTTL <= 0 {
		c.SetupTokenTTL = def.SetupTokenTTL
	}
	if c.VerificationTTL <= 0 {
		c.VerificationTTL = def.VerificationTTL
	}
	if c.ProfileTokenTTL <= 0 {
		c.ProfileTokenTTL = def.ProfileTokenTTL
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = def.ProviderTimeout
	}
	if c.TOTPIssuer == "" {
		c.TOTPIssuer = def.TOTPIssuer
	}
	if c.OAuthErrorURL == "" {
		c.OAuthErrorURL = def.OAuthErrorURL
	}
	if c.TwoFactorMaxAttempts <= 0 {
		c.TwoFactorMaxAttempts = def.TwoFactorMaxAttempts
	}
	return c
}

func (p LockoutPolicy) WithDefaults() LockoutPolicy {
	def := DefaultLockoutPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Duration <= 0 {
		p.Duration = def.Duration
	}
	return p
}
