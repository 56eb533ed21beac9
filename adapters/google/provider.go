// Package google is the production core.ProviderAdapter for Google
// accounts. Code exchange and refresh go through golang.org/x/oauth2; the
// tokeninfo, userinfo and revoke endpoints are plain JSON calls.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/lborres/accountd/core"
)

const (
	scopePrefix = "https://www.googleapis.com/auth/"

	defaultTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	defaultUserInfoURL  = "https://openidconnect.googleapis.com/v1/userinfo"
	defaultRevokeURL    = "https://oauth2.googleapis.com/revoke"

	maxResponseBytes = 1 << 20
)

type Config struct {
	ClientID     string
	ClientSecret string
	// RedirectURL receives signup and signin callbacks.
	RedirectURL string
	// PermissionRedirectURL receives permission and reauthorize callbacks.
	// Defaults to RedirectURL.
	PermissionRedirectURL string

	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client

	// Endpoint overrides, used by tests.
	Endpoint     oauth2.Endpoint
	TokenInfoURL string
	UserInfoURL  string
	RevokeURL    string
}

type Provider struct {
	signin     oauth2.Config
	permission oauth2.Config
	client     *http.Client

	tokenInfoURL string
	userInfoURL  string
	revokeURL    string

	now func() time.Time
}

var _ core.ProviderAdapter = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("google: client id and secret are required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("google: redirect url is required")
	}
	if cfg.PermissionRedirectURL == "" {
		cfg.PermissionRedirectURL = cfg.RedirectURL
	}
	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint = endpoints.Google
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	base := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     cfg.Endpoint,
		RedirectURL:  cfg.RedirectURL,
	}
	permission := base
	permission.RedirectURL = cfg.PermissionRedirectURL

	return &Provider{
		signin:       base,
		permission:   permission,
		client:       cfg.HTTPClient,
		tokenInfoURL: orDefault(cfg.TokenInfoURL, defaultTokenInfoURL),
		userInfoURL:  orDefault(cfg.UserInfoURL, defaultUserInfoURL),
		revokeURL:    orDefault(cfg.RevokeURL, defaultRevokeURL),
		now:          time.Now,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (p *Provider) Name() core.Provider { return core.ProviderGoogle }

func (p *Provider) ScopeURL(name string) string { return scopePrefix + name }

func (p *Provider) BaselineScopes() []string {
	return []string{"openid", scopePrefix + "userinfo.email", scopePrefix + "userinfo.profile"}
}

func (p *Provider) config(permissionFlow bool) oauth2.Config {
	if permissionFlow {
		return p.permission
	}
	return p.signin
}

func (p *Provider) AuthorizationURL(state string, scopes []string, opts core.AuthURLOptions) string {
	conf := p.config(opts.PermissionFlow)
	conf.Scopes = scopes

	var params []oauth2.AuthCodeOption
	if opts.Offline {
		params = append(params, oauth2.AccessTypeOffline)
	}
	if opts.ForceConsent {
		params = append(params, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	if opts.IncludeGranted {
		params = append(params, oauth2.SetAuthURLParam("include_granted_scopes", "true"))
	}
	return conf.AuthCodeURL(state, params...)
}

// withClient makes oauth2 use the adapter's HTTP client.
func (p *Provider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func (p *Provider) ExchangeCode(ctx context.Context, code string, permissionFlow bool) (*core.ProviderTokens, error) {
	conf := p.config(permissionFlow)
	tok, err := conf.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("google: exchange code: %w", err)
	}
	return toProviderTokens(tok), nil
}

// RefreshToken reports core.ErrInvalidToken when Google has revoked the
// refresh token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*core.ProviderTokens, error) {
	src := p.signin.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return nil, core.ErrInvalidToken
		}
		return nil, fmt.Errorf("google: refresh token: %w", err)
	}
	out := toProviderTokens(tok)
	// Google omits the refresh token on refresh; callers keep theirs.
	if out.RefreshToken == refreshToken {
		out.RefreshToken = ""
	}
	return out, nil
}

func toProviderTokens(tok *oauth2.Token) *core.ProviderTokens {
	out := &core.ProviderTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scopes = strings.Fields(scope)
	}
	return out
}

func (p *Provider) TokenInfo(ctx context.Context, accessToken string) (*core.TokenInfo, error) {
	body, err := p.do(ctx, http.MethodGet, p.tokenInfoURL+"?"+url.Values{"access_token": {accessToken}}.Encode(), nil, "")
	if err != nil {
		return nil, err
	}

	info := &core.TokenInfo{
		Scopes: strings.Fields(gjson.GetBytes(body, "scope").String()),
		Email:  gjson.GetBytes(body, "email").String(),
	}
	if exp := gjson.GetBytes(body, "exp"); exp.Exists() {
		info.ExpiresAt = time.Unix(exp.Int(), 0)
	} else if in := gjson.GetBytes(body, "expires_in"); in.Exists() {
		info.ExpiresAt = p.now().Add(time.Duration(in.Int()) * time.Second)
	}
	return info, nil
}

func (p *Provider) UserInfo(ctx context.Context, accessToken string) (*core.ExternalIdentity, error) {
	body, err := p.do(ctx, http.MethodGet, p.userInfoURL, nil, accessToken)
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	return &core.ExternalIdentity{
		ID:            res.Get("sub").String(),
		Email:         res.Get("email").String(),
		EmailVerified: res.Get("email_verified").Bool(),
		Name:          res.Get("name").String(),
		GivenName:     res.Get("given_name").String(),
		FamilyName:    res.Get("family_name").String(),
		Picture:       res.Get("picture").String(),
	}, nil
}

func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}.Encode()
	_, err := p.do(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form), "")
	return err
}

// do performs one call. 400 and 401 mean the token is unusable and map to
// core.ErrInvalidToken; other non-2xx statuses carry Google's error text.
func (p *Provider) do(ctx context.Context, method, endpoint string, body io.Reader, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("google: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("google: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, core.ErrInvalidToken
	default:
		msg := gjson.GetBytes(data, "error_description").String()
		if msg == "" {
			msg = gjson.GetBytes(data, "error").String()
		}
		return nil, fmt.Errorf("google: %s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, msg)
	}
}
