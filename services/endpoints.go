package services

import (
	"fmt"

	"github.com/lborres/accountd/core"
)

// Operation IDs bound by HTTP adapters.
const (
	OpLogin                    = "login"
	OpRequestEmailVerification = "requestEmailVerification"
	OpVerifyEmail              = "verifyEmail"
	OpCompleteProfile          = "completeProfile"
	OpOAuthSignup              = "oauthSignup"
	OpOAuthSignin              = "oauthSignin"
	OpOAuthPermission          = "oauthPermission"
	OpOAuthReauthorize         = "oauthReauthorize"
	OpOAuthCallback            = "oauthCallback"
	OpOAuthPermissionCallback  = "oauthPermissionCallback"
	OpTwoFactorVerifyLogin     = "twoFactorVerifyLogin"
	OpTwoFactorStatus          = "twoFactorStatus"
	OpTwoFactorSetup           = "twoFactorSetup"
	OpTwoFactorVerifySetup     = "twoFactorVerifySetup"
	OpTwoFactorBackupCodes     = "twoFactorBackupCodes"
	OpGetSession               = "getSession"
	OpListSessionAccounts      = "listSessionAccounts"
	OpGetSessionAccount        = "getSessionAccount"
	OpSetCurrentAccount        = "setCurrentAccount"
	OpAddSessionAccount        = "addSessionAccount"
	OpRemoveSessionAccount     = "removeSessionAccount"
	OpLogoutAll                = "logoutAll"
	OpLogoutAccount            = "logoutAccount"
	OpRefreshToken             = "refreshToken"
	OpRevokeOAuth              = "revokeOAuth"
)

func endpoint(method, path, opID, desc string, auth core.AuthRequirement) core.Endpoint {
	return core.Endpoint{
		Path:   path,
		Method: method,
		Metadata: core.EndpointMetadata{
			OperationID: opID,
			Description: desc,
			Auth:        auth,
		},
	}
}

// BaseEndpoints returns framework-agnostic endpoint specifications for
// every account operation.
//
// Order matters for routers that match in registration order: static
// /session/... paths come before the /:accountId/... ones.
func BaseEndpoints() []core.Endpoint {
	return []core.Endpoint{
		endpoint("POST", "/auth/login", OpLogin, "Sign in with email or username and password", core.AuthNone),
		endpoint("POST", "/auth/signup/request-email", OpRequestEmailVerification, "Start local signup by emailing a verification link", core.AuthNone),
		endpoint("GET", "/auth/signup/verify-email", OpVerifyEmail, "Redeem an email verification token for a profile token", core.AuthNone),
		endpoint("POST", "/auth/signup/complete-profile", OpCompleteProfile, "Create a local account for a verified email", core.AuthNone),

		endpoint("GET", "/oauth/signup/:provider", OpOAuthSignup, "Start OAuth signup", core.AuthNone),
		endpoint("GET", "/oauth/signin/:provider", OpOAuthSignin, "Start OAuth signin", core.AuthNone),
		endpoint("GET", "/oauth/permission/:provider", OpOAuthPermission, "Request additional provider scopes", core.AuthNone),
		endpoint("GET", "/oauth/reauthorize/:provider", OpOAuthReauthorize, "Re-request scopes missing from the provider token", core.AuthNone),
		endpoint("GET", "/oauth/callback/:provider", OpOAuthCallback, "Provider redirect for signup and signin", core.AuthNone),
		endpoint("GET", "/oauth/permission/callback/:provider", OpOAuthPermissionCallback, "Provider redirect for permission and reauthorize", core.AuthNone),

		endpoint("POST", "/twofa/verify-login", OpTwoFactorVerifyLogin, "Complete a two-factor login", core.AuthNone),

		endpoint("GET", "/session", OpGetSession, "Get the resolved multi-account session", core.AuthNone),
		endpoint("GET", "/session/accounts", OpListSessionAccounts, "List the accounts in the session", core.AuthNone),
		endpoint("GET", "/session/accounts/:accountId", OpGetSessionAccount, "Get one account of the session", core.AuthNone),
		endpoint("POST", "/session/current", OpSetCurrentAccount, "Switch the current account", core.AuthNone),
		endpoint("POST", "/session/add", OpAddSessionAccount, "Add an authenticated account to the session", core.AuthNone),
		endpoint("POST", "/session/remove", OpRemoveSessionAccount, "Remove an account from the session", core.AuthNone),
		endpoint("POST", "/session/logout", OpLogoutAll, "Sign out every account and clear the session", core.AuthNone),

		endpoint("GET", "/:accountId/twofa/status", OpTwoFactorStatus, "Get the account's two-factor status", core.AuthAccount),
		endpoint("POST", "/:accountId/twofa/setup", OpTwoFactorSetup, "Enable or disable two-factor authentication", core.AuthAccount),
		endpoint("POST", "/:accountId/twofa/verify-setup", OpTwoFactorVerifySetup, "Confirm the authenticator app and enable two-factor", core.AuthAccount),
		endpoint("POST", "/:accountId/twofa/backup-codes", OpTwoFactorBackupCodes, "Regenerate backup codes", core.AuthAccount),
		endpoint("POST", "/:accountId/logout", OpLogoutAccount, "Sign out one account", core.AuthNone),
		endpoint("POST", "/:accountId/tokens/refresh", OpRefreshToken, "Exchange a refresh token for a new access token", core.AuthNone),
		endpoint("POST", "/:accountId/oauth/revoke", OpRevokeOAuth, "Revoke the account's provider tokens", core.AuthAccount),
	}
}

// EndpointRegistry manages a collection of framework-agnostic endpoints
// and handles conflict detection for duplicate METHOD:PATH combinations.
//
// It starts with the base endpoints and supports registration of
// additional plugin endpoints. Registration order is preserved.
type EndpointRegistry struct {
	endpoints []*core.Endpoint
	// index is keyed by "METHOD:PATH"
	index map[string]*core.Endpoint
}

// NewEndpointRegistry creates a new registry with all base endpoints
// pre-registered.
func NewEndpointRegistry() *EndpointRegistry {
	reg := &EndpointRegistry{
		index: make(map[string]*core.Endpoint),
	}

	base := BaseEndpoints()
	for i := range base {
		// base paths are unique
		_ = reg.register(&base[i])
	}

	return reg
}

func endpointKey(ep *core.Endpoint) string {
	return fmt.Sprintf("%s:%s", ep.Method, ep.Path)
}

func (r *EndpointRegistry) register(ep *core.Endpoint) error {
	key := endpointKey(ep)

	if _, exists := r.index[key]; exists {
		return fmt.Errorf("endpoint conflict: %s %s already registered", ep.Method, ep.Path)
	}

	r.index[key] = ep
	r.endpoints = append(r.endpoints, ep)
	return nil
}

// RegisterPlugin registers additional plugin endpoints to the registry.
// Returns error if any plugin endpoint conflicts with existing endpoints
// or with other plugin endpoints in the same batch.
//
// If an error occurs, no endpoints from the plugin are registered.
func (r *EndpointRegistry) RegisterPlugin(endpoints []core.Endpoint) error {
	seen := make(map[string]bool)
	for i := range endpoints {
		key := endpointKey(&endpoints[i])

		if _, exists := r.index[key]; exists {
			return fmt.Errorf("plugin endpoint conflict: %s %s already registered", endpoints[i].Method, endpoints[i].Path)
		}
		if seen[key] {
			return fmt.Errorf("plugin contains duplicate endpoint: %s %s", endpoints[i].Method, endpoints[i].Path)
		}
		seen[key] = true
	}

	for i := range endpoints {
		ep := endpoints[i]
		_ = r.register(&ep)
	}

	return nil
}

// Endpoints returns every registered endpoint in registration order.
func (r *EndpointRegistry) Endpoints() []*core.Endpoint {
	out := make([]*core.Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}
