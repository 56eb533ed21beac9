package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/lborres/accountd/core"
)

const minSecretLen = 32

// Config holds all environment-based configuration for the example server.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	BasePath    string `env:"BASE_PATH" envDefault:"/api"`

	DatabaseURL string `env:"DATABASE_URL"`

	// Secret signs every token. At least 32 characters.
	Secret string `env:"AUTH_SECRET"`

	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"false"`
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// DebugEcho returns emailed tokens in responses. Refused in production.
	DebugEcho bool `env:"DEBUG_ECHO" envDefault:"false"`

	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	SessionTokenTTL time.Duration `env:"SESSION_TOKEN_TTL" envDefault:"8760h"`
	TempTokenTTL    time.Duration `env:"TEMP_TOKEN_TTL" envDefault:"5m"`

	OAuthStateTTL        time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
	SetupTokenTTL        time.Duration `env:"SETUP_TOKEN_TTL" envDefault:"10m"`
	EmailVerificationTTL time.Duration `env:"EMAIL_VERIFICATION_TTL" envDefault:"24h"`
	ProfileTokenTTL      time.Duration `env:"PROFILE_TOKEN_TTL" envDefault:"1h"`
	ProviderTimeout      time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	OAuthErrorURL        string        `env:"OAUTH_ERROR_URL" envDefault:"/"`
	TOTPIssuer           string        `env:"TOTP_ISSUER" envDefault:"accountd"`
	TwoFactorMaxAttempts int           `env:"TWO_FACTOR_MAX_ATTEMPTS" envDefault:"5"`

	LockoutMaxAttempts int           `env:"LOCKOUT_MAX_ATTEMPTS" envDefault:"5"`
	LockoutDuration    time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`

	GoogleClientID              string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret          string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI           string `env:"GOOGLE_REDIRECT_URI"`
	GooglePermissionRedirectURI string `env:"GOOGLE_PERMISSION_REDIRECT_URI"`

	// MockProvider registers the in-memory provider under the google name
	// instead of the real adapter. Development only.
	MockProvider bool `env:"MOCK_PROVIDER" envDefault:"false"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`
}

// warnInsecureEnvFile warns when .env is readable by group or others;
// it usually carries AUTH_SECRET and provider credentials.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if len(c.Secret) < minSecretLen {
		return fmt.Errorf("AUTH_SECRET must be at least %d characters", minSecretLen)
	}

	if c.IsProduction() {
		if c.DebugEcho {
			return fmt.Errorf("DEBUG_ECHO cannot be enabled in production")
		}
		if c.MockProvider {
			return fmt.Errorf("MOCK_PROVIDER cannot be enabled in production")
		}
	}

	if c.GoogleClientID != "" || c.GoogleClientSecret != "" {
		if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
			return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
		}
		if c.GoogleRedirectURI == "" {
			return fmt.Errorf("GOOGLE_REDIRECT_URI is required when Google sign-in is configured")
		}
	}

	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}

	if c.LockoutMaxAttempts < 1 {
		return fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be at least 1")
	}
	if c.TwoFactorMaxAttempts < 1 {
		return fmt.Errorf("TWO_FACTOR_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// GoogleEnabled reports whether real Google credentials are configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && !c.MockProvider
}

func (c *Config) Tokens() core.TokenConfig {
	return core.TokenConfig{
		AccessTTL:  c.AccessTokenTTL,
		RefreshTTL: c.RefreshTokenTTL,
		SessionTTL: c.SessionTokenTTL,
		TempTTL:    c.TempTokenTTL,
		Issuer:     c.TOTPIssuer,
	}
}

func (c *Config) Flows() core.FlowConfig {
	return core.FlowConfig{
		OAuthStateTTL:   c.OAuthStateTTL,
		SetupTokenTTL:   c.SetupTokenTTL,
		VerificationTTL: c.EmailVerificationTTL,
		ProfileTokenTTL: c.ProfileTokenTTL,
		ProviderTimeout: c.ProviderTimeout,
		TOTPIssuer:      c.TOTPIssuer,
		OAuthErrorURL:   c.OAuthErrorURL,

		TwoFactorMaxAttempts: c.TwoFactorMaxAttempts,
	}
}

func (c *Config) Lockout() core.LockoutPolicy {
	return core.LockoutPolicy{
		MaxAttempts: c.LockoutMaxAttempts,
		Duration:    c.LockoutDuration,
	}
}

func (c *Config) Cookies() core.CookieConfig {
	return core.CookieConfig{
		Secure: c.CookieSecure,
		Domain: c.CookieDomain,
	}
}
