package core

import (
	"context"
	"time"
)

// AuthURLOptions tune the provider consent screen.
type AuthURLOptions struct {
	// Offline asks for a refresh token.
	Offline bool
	// ForceConsent shows the consent screen even for granted scopes.
	ForceConsent bool
	// IncludeGranted requests incremental authorization.
	IncludeGranted bool
	// PermissionFlow selects the permission redirect URI.
	PermissionFlow bool
}

// ExternalIdentity is the provider's view of the signed-in user.
type ExternalIdentity struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
}

// TokenInfo describes an upstream access token.
type TokenInfo struct {
	Scopes    []string
	Email     string
	ExpiresAt time.Time
}

// ProviderAdapter wraps one upstream OAuth provider.
//
// Implementations must honor ctx cancellation. ExchangeCode is not
// idempotent; the rest are.
type ProviderAdapter interface {
	Name() Provider
	// ScopeURL expands a short scope name into the provider's scope string.
	ScopeURL(name string) string
	// BaselineScopes are the identity scopes every sign-in requests.
	BaselineScopes() []string
	AuthorizationURL(state string, scopes []string, opts AuthURLOptions) string
	ExchangeCode(ctx context.Context, code string, permissionFlow bool) (*ProviderTokens, error)
	TokenInfo(ctx context.Context, accessToken string) (*TokenInfo, error)
	UserInfo(ctx context.Context, accessToken string) (*ExternalIdentity, error)
	RefreshToken(ctx context.Context, refreshToken string) (*ProviderTokens, error)
	RevokeToken(ctx context.Context, token string) error
}

// EmailTemplate names a transactional message.
type EmailTemplate string

const (
	TemplateEmailVerification EmailTemplate = "email-verification"
	TemplateWelcome           EmailTemplate = "welcome"
	TemplateTwoFactorEnabled  EmailTemplate = "2fa-enabled"
	TemplateTwoFactorDisabled EmailTemplate = "2fa-disabled"
	TemplateBackupCodes       EmailTemplate = "backup-codes-regenerated"
)

// EmailSender delivers transactional email. Callers treat delivery as
// fire-and-forget: a failure is logged and never fails the request.
type EmailSender interface {
	Send(ctx context.Context, template EmailTemplate, recipient string, vars map[string]string) error
}
