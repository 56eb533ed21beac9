package core

const (
	SessionCookieName   = "account_session"
	accessCookiePrefix  = "access_token_"
	refreshCookiePrefix = "refresh_token_"
)

func AccessCookieName(accountID string) string {
	return accessCookiePrefix + accountID
}

func RefreshCookieName(accountID string) string {
	return refreshCookiePrefix + accountID
}

// CookieConfig controls attributes shared by every auth cookie.
type CookieConfig struct {
	Secure bool
	Domain string
}
