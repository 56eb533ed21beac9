package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lborres/accountd/core"
	"github.com/lborres/accountd/pkg/crypto"
)

type OAuthPurpose string

const (
	PurposeSignup      OAuthPurpose = "signup"
	PurposeSignin      OAuthPurpose = "signin"
	PurposePermission  OAuthPurpose = "permission"
	PurposeReauthorize OAuthPurpose = "reauthorize"
)

const stateBytes = 32

type oauthState struct {
	Purpose     OAuthPurpose  `json:"purpose"`
	Provider    core.Provider `json:"provider"`
	AccountID   string        `json:"accountId,omitempty"`
	Scopes      []string      `json:"scopes,omitempty"`
	CallbackURL string        `json:"callbackUrl"`
	CreatedAt   time.Time     `json:"createdAt"`
}

type AuthorizationRequest struct {
	CallbackURL string
	AccountID   string
	ScopeNames  string
}

type AuthorizationResult struct {
	AuthorizationURL *string  `json:"authorizationUrl"`
	State            string   `json:"state,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	Message          string   `json:"message,omitempty"`
}

// CallbackResult tells the HTTP layer where to send the browser. Auth is
// set when the callback signed an account in.
type CallbackResult struct {
	RedirectURL string
	Auth        *core.AuthResult
	Err         error
}

// OAuthOrchestrator runs the authorization-code flows. Phase A builds the
// provider URL and parks a single-use state; phase B redeems it.
type OAuthOrchestrator struct {
	store     core.AccountStore
	ephemeral core.EphemeralStore
	providers *ProviderRegistry
	tokens    *TokenService
	sessions  *SessionManager
	twofa     *TwoFactorAuthenticator
	flows     core.FlowConfig
	logger    *slog.Logger
	clock     clock
}

type OAuthDeps struct {
	Store     core.AccountStore
	Ephemeral core.EphemeralStore
	Providers *ProviderRegistry
	Tokens    *TokenService
	Sessions  *SessionManager
	TwoFactor *TwoFactorAuthenticator
	Flows     core.FlowConfig
	Logger    *slog.Logger
}

func NewOAuthOrchestrator(d OAuthDeps) *OAuthOrchestrator {
	return &OAuthOrchestrator{
		store:     d.Store,
		ephemeral: d.Ephemeral,
		providers: d.Providers,
		tokens:    d.Tokens,
		sessions:  d.Sessions,
		twofa:     d.TwoFactor,
		flows:     d.Flows.WithDefaults(),
		logger:    orDiscard(d.Logger),
	}
}

func stateKey(state string) string { return "state:" + crypto.HashToken(state) }

// AuthorizationURL is phase A.
func (o *OAuthOrchestrator) AuthorizationURL(ctx context.Context, purpose OAuthPurpose, provider string, req AuthorizationRequest) (*AuthorizationResult, error) {
	adapter, err := o.providers.Lookup(provider)
	if err != nil {
		return nil, err
	}
	if err := validateCallbackURL(req.CallbackURL); err != nil {
		return nil, err
	}

	st := oauthState{
		Purpose:     purpose,
		Provider:    adapter.Name(),
		CallbackURL: req.CallbackURL,
		CreatedAt:   o.clock.now(),
	}
	opts := core.AuthURLOptions{Offline: true}
	scopes := adapter.BaselineScopes()

	switch purpose {
	case PurposeSignup:
		opts.ForceConsent = true
	case PurposeSignin:
	case PurposePermission:
		a, err := o.linkedAccount(ctx, req.AccountID, adapter)
		if err != nil {
			return nil, err
		}
		names, err := parseScopeNames(req.ScopeNames)
		if err != nil {
			return nil, err
		}
		scopes = make([]string, 0, len(names))
		for _, n := range names {
			scopes = append(scopes, adapter.ScopeURL(n))
		}
		st.AccountID = a.ID
		st.Scopes = scopes
		opts = core.AuthURLOptions{Offline: true, ForceConsent: true, IncludeGranted: true, PermissionFlow: true}
	case PurposeReauthorize:
		a, err := o.linkedAccount(ctx, req.AccountID, adapter)
		if err != nil {
			return nil, err
		}
		missing, err := o.tokens.MissingScopes(ctx, a, adapter)
		if err != nil {
			return nil, err
		}
		if len(missing) == 0 {
			return &AuthorizationResult{Message: "No additional scopes needed"}, nil
		}
		scopes = missing
		st.AccountID = a.ID
		st.Scopes = missing
		opts = core.AuthURLOptions{Offline: true, ForceConsent: true, IncludeGranted: true, PermissionFlow: true}
	default:
		return nil, core.ValidationField("purpose", "Unknown OAuth flow")
	}

	state, err := crypto.RandomHex(stateBytes)
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}
	if err := o.ephemeral.Put(ctx, stateKey(state), payload, o.flows.OAuthStateTTL); err != nil {
		return nil, fmt.Errorf("failed to store oauth state: %w", err)
	}

	authURL := adapter.AuthorizationURL(state, scopes, opts)
	result := &AuthorizationResult{AuthorizationURL: &authURL, State: state}
	if purpose == PurposePermission || purpose == PurposeReauthorize {
		result.Scopes = st.Scopes
	}
	return result, nil
}

// linkedAccount loads accountID and checks it signs in with adapter.
func (o *OAuthOrchestrator) linkedAccount(ctx context.Context, accountID string, adapter core.ProviderAdapter) (*core.Account, error) {
	if accountID == "" {
		return nil, core.ValidationField("accountId", "Account ID is required")
	}
	a, err := o.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.AccountType != core.AccountTypeOAuth || a.Provider != adapter.Name() {
		return nil, core.ErrNotOAuthAccount
	}
	return a, nil
}

// CallbackParams are the query parameters the provider redirects with.
// Error is set instead of Code when the user denied consent or the
// provider refused the request.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// HandleCallback is phase B for a successful provider redirect.
func (o *OAuthOrchestrator) HandleCallback(ctx context.Context, provider, code, state string, session core.Session) *CallbackResult {
	return o.Callback(ctx, provider, CallbackParams{Code: code, State: state}, session)
}

// Callback is phase B. It never fails outright: every error becomes a
// redirect carrying error and message parameters. Any state that arrives
// is redeemed first, so it is spent whatever the outcome.
func (o *OAuthOrchestrator) Callback(ctx context.Context, provider string, params CallbackParams, session core.Session) *CallbackResult {
	code, state := params.Code, params.State
	if state == "" {
		return o.failure(o.flows.OAuthErrorURL, provider, core.ErrMissingOAuthParameter)
	}

	// Step 1: Redeem the state, whatever happens next
	raw, err := o.ephemeral.Take(ctx, stateKey(state))
	if err != nil {
		if !errors.Is(err, core.ErrEphemeralNotFound) {
			return o.failure(o.flows.OAuthErrorURL, provider, core.ServerError("Internal server error", err))
		}
		return o.failure(o.flows.OAuthErrorURL, provider, core.ErrInvalidState)
	}
	var st oauthState
	if err := json.Unmarshal(raw, &st); err != nil {
		return o.failure(o.flows.OAuthErrorURL, provider, core.ErrInvalidState)
	}

	if params.Error != "" {
		return o.denied(st.CallbackURL, provider, params)
	}
	if code == "" {
		return o.failure(st.CallbackURL, provider, core.ErrMissingOAuthParameter)
	}

	adapter, err := o.providers.Lookup(provider)
	if err != nil {
		return o.failure(st.CallbackURL, provider, err)
	}
	if adapter.Name() != st.Provider {
		return o.failure(st.CallbackURL, provider, core.ErrInvalidState)
	}

	// Step 2: Exchange the code. Never retried.
	permissionFlow := st.Purpose == PurposePermission || st.Purpose == PurposeReauthorize
	tokens, err := callProvider(ctx, o.providers, false, func(ctx context.Context) (*core.ProviderTokens, error) {
		return adapter.ExchangeCode(ctx, code, permissionFlow)
	})
	if err != nil {
		return o.failure(st.CallbackURL, provider, providerFailure(core.ErrCodeExchangeFailed, err))
	}

	// Step 3: Who is this?
	identity, err := callProvider(ctx, o.providers, true, func(ctx context.Context) (*core.ExternalIdentity, error) {
		return adapter.UserInfo(ctx, tokens.AccessToken)
	})
	if err != nil {
		return o.failure(st.CallbackURL, provider, providerFailure(core.ErrProviderUnavailable, err))
	}
	identity.Email = normalizeEmail(identity.Email)

	granted := tokens.Scopes
	if len(granted) == 0 {
		granted = append(append([]string{}, adapter.BaselineScopes()...), st.Scopes...)
	}

	// Step 4: Branch on the flow
	var result *CallbackResult
	switch st.Purpose {
	case PurposeSignup:
		result, err = o.completeSignup(ctx, st, identity, tokens, granted, session)
	case PurposeSignin:
		result, err = o.completeSignin(ctx, st, identity, tokens, granted, session)
	case PurposePermission, PurposeReauthorize:
		result, err = o.completeGrant(ctx, st, identity, tokens, granted)
	default:
		err = core.ErrInvalidState
	}
	if err != nil {
		return o.failure(st.CallbackURL, provider, err)
	}
	return result
}

func (o *OAuthOrchestrator) completeSignup(ctx context.Context, st oauthState, id *core.ExternalIdentity, tokens *core.ProviderTokens, granted []string, session core.Session) (*CallbackResult, error) {
	if id.Email == "" {
		return nil, core.ProviderError("Provider did not return an email address", nil)
	}
	exists, err := o.store.EmailExists(ctx, id.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		return nil, core.ErrUserExists
	}

	accountID, err := crypto.NewID()
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}

	name := id.Name
	if name == "" {
		name = id.GivenName + " " + id.FamilyName
	}
	a := &core.Account{
		ID:          accountID,
		AccountType: core.AccountTypeOAuth,
		Status:      core.StatusActive,
		UserDetails: core.UserDetails{
			Name:          name,
			FirstName:     id.GivenName,
			LastName:      id.FamilyName,
			Email:         id.Email,
			EmailVerified: true,
		},
		Provider:       st.Provider,
		ProviderScopes: granted,
		ProviderTokens: tokens,
	}
	if id.Picture != "" {
		pic := id.Picture
		a.UserDetails.ImageURL = &pic
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := o.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, core.ErrEmailTaken) {
			return nil, core.ErrUserExists
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	o.logger.Info("oauth account created", slog.String("account_id", a.ID), slog.String("provider", string(a.Provider)))

	auth, err := establishSession(o.tokens, o.sessions, a, true, session)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{
		RedirectURL: o.success(st, a.ID),
		Auth:        auth,
	}, nil
}

func (o *OAuthOrchestrator) completeSignin(ctx context.Context, st oauthState, id *core.ExternalIdentity, tokens *core.ProviderTokens, granted []string, session core.Session) (*CallbackResult, error) {
	a, err := o.store.GetAccountByEmail(ctx, id.Email)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return nil, core.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if a.AccountType != core.AccountTypeOAuth || a.Provider != st.Provider {
		return nil, core.ErrNotOAuthAccount
	}
	if err := CheckStatus(a); err != nil {
		return nil, err
	}

	if err := o.refreshGrant(ctx, a, tokens, granted); err != nil {
		return nil, err
	}

	if a.Security.TwoFactorEnabled {
		temp, err := o.twofa.IssueTempToken(ctx, a.ID, true)
		if err != nil {
			return nil, err
		}
		return &CallbackResult{
			RedirectURL: withQuery(st.CallbackURL, map[string]string{
				"requiresTwoFactor": "true",
				"tempToken":         temp,
				"accountId":         a.ID,
				"provider":          string(st.Provider),
			}),
		}, nil
	}

	auth, err := establishSession(o.tokens, o.sessions, a, true, session)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{RedirectURL: o.success(st, a.ID), Auth: auth}, nil
}

func (o *OAuthOrchestrator) completeGrant(ctx context.Context, st oauthState, id *core.ExternalIdentity, tokens *core.ProviderTokens, granted []string) (*CallbackResult, error) {
	a, err := o.store.GetAccountByID(ctx, st.AccountID)
	if err != nil {
		return nil, err
	}
	if normalizeEmail(a.UserDetails.Email) != id.Email {
		return nil, core.ErrAccountMismatch
	}

	if err := o.refreshGrant(ctx, a, tokens, granted); err != nil {
		return nil, err
	}
	o.logger.Info("oauth scopes granted",
		slog.String("account_id", a.ID),
		slog.String("flow", string(st.Purpose)),
		slog.Int("scopes", len(granted)))

	return &CallbackResult{RedirectURL: o.success(st, a.ID)}, nil
}

// refreshGrant stores the new upstream tokens and merges granted scopes.
func (o *OAuthOrchestrator) refreshGrant(ctx context.Context, a *core.Account, tokens *core.ProviderTokens, granted []string) error {
	if tokens.RefreshToken == "" && a.ProviderTokens != nil {
		tokens.RefreshToken = a.ProviderTokens.RefreshToken
	}
	if err := o.tokens.StoreProviderTokens(ctx, a.ID, tokens); err != nil {
		return err
	}
	a.ProviderTokens = tokens

	merged, err := o.tokens.MergeScopes(ctx, a.ID, granted)
	if err != nil {
		return err
	}
	a.ProviderScopes = merged
	return nil
}

func (o *OAuthOrchestrator) success(st oauthState, accountID string) string {
	return withQuery(st.CallbackURL, map[string]string{
		"success":   "true",
		"provider":  string(st.Provider),
		"accountId": accountID,
		"flow":      string(st.Purpose),
	})
}

// denied reports a provider-side refusal. The provider's error code is
// passed through as providerError.
func (o *OAuthOrchestrator) denied(callbackURL, provider string, params CallbackParams) *CallbackResult {
	var err *core.Error
	if params.Error == "access_denied" {
		err = core.ErrAccessDenied
	} else {
		msg := "OAuth provider returned " + params.Error
		if params.ErrorDescription != "" {
			msg += ": " + params.ErrorDescription
		}
		err = core.ProviderError(msg, nil)
	}

	res := o.failure(callbackURL, provider, err)
	res.RedirectURL = withQuery(res.RedirectURL, map[string]string{"providerError": params.Error})
	return res
}

func (o *OAuthOrchestrator) failure(callbackURL, provider string, err error) *CallbackResult {
	e := core.AsError(err)
	if e.Kind == core.KindServer {
		o.logger.Error("oauth callback failed", slog.String("provider", provider), slog.String("error", err.Error()))
	} else {
		o.logger.Info("oauth callback rejected", slog.String("provider", provider), slog.String("code", e.Code))
	}

	message := e.Message
	if e.Kind == core.KindServer {
		message = "Internal server error"
	}
	return &CallbackResult{
		RedirectURL: withQuery(callbackURL, map[string]string{
			"error":    e.Code,
			"message":  message,
			"provider": provider,
		}),
		Err: err,
	}
}
