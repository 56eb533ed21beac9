package core

import (
	"slices"
	"time"
)

type AccountType string

const (
	AccountTypeLocal AccountType = "local"
	AccountTypeOAuth AccountType = "oauth"
)

type AccountStatus string

const (
	StatusActive     AccountStatus = "active"
	StatusInactive   AccountStatus = "inactive"
	StatusUnverified AccountStatus = "unverified"
	StatusSuspended  AccountStatus = "suspended"
)

// Provider names an upstream OAuth identity provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderFacebook  Provider = "facebook"
)

// UserDetails is the public profile of an account.
type UserDetails struct {
	Name          string  `json:"name"`
	FirstName     string  `json:"firstName,omitempty"`
	LastName      string  `json:"lastName,omitempty"`
	Email         string  `json:"email"`
	Username      *string `json:"username,omitempty"`
	EmailVerified bool    `json:"emailVerified"`
	ImageURL      *string `json:"imageUrl,omitempty"`
}

// SecuritySettings holds credential material and lockout state.
// None of it is ever serialized to clients.
type SecuritySettings struct {
	PasswordHash        *string    `json:"-"`
	TwoFactorEnabled    bool       `json:"twoFactorEnabled"`
	TwoFactorSecret     *string    `json:"-"`
	BackupCodes         []string   `json:"-"` // SHA-256 hashes
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
}

// ProviderTokens are the upstream provider's tokens for an oauth account.
type ProviderTokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Expired reports whether the access token is expired or about to be.
func (t *ProviderTokens) Expired(now time.Time) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(30 * time.Second).Before(t.ExpiresAt)
}

// Account is a single identity. A browser session may hold several.
type Account struct {
	ID             string           `json:"id"`
	AccountType    AccountType      `json:"accountType"`
	Status         AccountStatus    `json:"status"`
	UserDetails    UserDetails      `json:"userDetails"`
	Security       SecuritySettings `json:"security"`
	Provider       Provider         `json:"provider,omitempty"`
	ProviderScopes []string         `json:"providerScopes,omitempty"`
	ProviderTokens *ProviderTokens  `json:"-"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Validate checks the structural invariants every stored account must hold.
func (a *Account) Validate() error {
	if a.UserDetails.Email == "" {
		return ValidationField("email", "Email is required")
	}

	switch a.AccountType {
	case AccountTypeLocal:
		if a.Security.PasswordHash == nil || *a.Security.PasswordHash == "" {
			return ServerError("local account requires a password hash", nil)
		}
		if a.Provider != "" {
			return ServerError("local account cannot have a provider", nil)
		}
	case AccountTypeOAuth:
		if a.Provider == "" {
			return ServerError("oauth account requires a provider", nil)
		}
		if a.Security.PasswordHash != nil {
			return ServerError("oauth account cannot have a password", nil)
		}
	default:
		return ServerError("unknown account type "+string(a.AccountType), nil)
	}

	return nil
}

// IsLocked reports whether a lockout is in effect at now.
func (a *Account) IsLocked(now time.Time) bool {
	return a.Security.LockedUntil != nil && now.Before(*a.Security.LockedUntil)
}

// Summary is the view of an account returned to session holders.
func (a *Account) Summary() AccountSummary {
	return AccountSummary{
		ID:               a.ID,
		AccountType:      a.AccountType,
		Status:           a.Status,
		Name:             a.UserDetails.Name,
		Email:            a.UserDetails.Email,
		Username:         a.UserDetails.Username,
		ImageURL:         a.UserDetails.ImageURL,
		Provider:         a.Provider,
		TwoFactorEnabled: a.Security.TwoFactorEnabled,
	}
}

type AccountSummary struct {
	ID               string        `json:"id"`
	AccountType      AccountType   `json:"accountType"`
	Status           AccountStatus `json:"status"`
	Name             string        `json:"name"`
	Email            string        `json:"email"`
	Username         *string       `json:"username,omitempty"`
	ImageURL         *string       `json:"imageUrl,omitempty"`
	Provider         Provider      `json:"provider,omitempty"`
	TwoFactorEnabled bool          `json:"twoFactorEnabled"`
}

// Session is the decoded multi-account session token.
//
// The token layer keeps whatever it is given; membership of
// CurrentAccountID in AccountIDs is only enforced when a session is
// resolved against the account store.
type Session struct {
	AccountIDs       []string `json:"accountIds"`
	CurrentAccountID *string  `json:"currentAccountId"`
}

// Contains reports whether id is one of the session's accounts.
func (s Session) Contains(id string) bool {
	return slices.Contains(s.AccountIDs, id)
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s Session) Clone() Session {
	out := Session{AccountIDs: make([]string, len(s.AccountIDs))}
	copy(out.AccountIDs, s.AccountIDs)
	if s.CurrentAccountID != nil {
		id := *s.CurrentAccountID
		out.CurrentAccountID = &id
	}
	return out
}

// SessionState is what the request's cookies say about the session.
type SessionState struct {
	HasSession bool `json:"hasSession"`
	IsValid    bool `json:"isValid"`
	Session
}

// ResolvedSession is a session checked against the account store.
type ResolvedSession struct {
	Session  Session          `json:"session"`
	Accounts []AccountSummary `json:"accounts"`
	// Changed is set when accounts were pruned or the current account
	// was cleared, meaning the cookie must be rewritten.
	Changed bool `json:"-"`
}

// IssuedTokens are the per-account tokens handed to the HTTP layer as cookies.
type IssuedTokens struct {
	AccessToken      string    `json:"-"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshToken     string    `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// AuthResult is the outcome of a successful authentication step.
//
// When RequiresTwoFactor is set, Tokens is nil and Session is the caller's
// unchanged session.
type AuthResult struct {
	AccountID         string        `json:"accountId"`
	Name              string        `json:"name,omitempty"`
	RequiresTwoFactor bool          `json:"requiresTwoFactor,omitempty"`
	TempToken         string        `json:"tempToken,omitempty"`
	Session           Session       `json:"-"`
	Tokens            *IssuedTokens `json:"-"`
}

// Principal is the authenticated account a request acts as.
type Principal struct {
	AccountID   string
	AccountType AccountType
	Account     *Account
	Claims      *AccessClaims
}

// AccessClaims are the verified contents of an access or refresh token.
type AccessClaims struct {
	AccountID      string
	AccountType    AccountType
	Provider       Provider
	ProviderTokens *ProviderTokens
	ExpiresAt      time.Time
}
