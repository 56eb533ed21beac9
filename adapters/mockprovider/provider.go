// Package mockprovider is an in-memory OAuth provider. It issues and
// expires authorization codes and tokens the way a real provider does, so
// every OAuth flow can run without network access.
package mockprovider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lborres/accountd/core"
	"github.com/lborres/accountd/pkg/crypto"
)

const (
	defaultAuthURL  = "https://accounts.mock.test/o/oauth2/auth"
	scopeURLPrefix  = "https://mock.test/auth/"
	defaultTokenTTL = time.Hour
	defaultCodeTTL  = 5 * time.Minute
)

// Operation names accepted by FailNext and Calls.
const (
	OpExchangeCode = "exchangeCode"
	OpTokenInfo    = "tokenInfo"
	OpUserInfo     = "userInfo"
	OpRefreshToken = "refreshToken"
	OpRevokeToken  = "revokeToken"
)

var (
	ErrUnknownUser = errors.New("mockprovider: unknown user")
	ErrInvalidCode = errors.New("mockprovider: invalid_grant")
)

// User is an account at the simulated provider.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
}

type codeGrant struct {
	email     string
	scopes    []string
	expiresAt time.Time
}

type accessGrant struct {
	email     string
	scopes    []string
	expiresAt time.Time
	refresh   string
	revoked   bool
}

type refreshGrant struct {
	email   string
	scopes  []string
	revoked bool
}

// Provider implements core.ProviderAdapter.
type Provider struct {
	mu sync.Mutex

	name     core.Provider
	authURL  string
	tokenTTL time.Duration
	codeTTL  time.Duration
	now      func() time.Time

	users   map[string]User
	granted map[string][]string
	codes   map[string]*codeGrant
	access  map[string]*accessGrant
	refresh map[string]*refreshGrant

	failures map[string][]error
	calls    map[string]int
}

type Option func(*Provider)

// WithName registers the provider under another name, e.g. "google" to
// stand in for the real adapter.
func WithName(name core.Provider) Option {
	return func(p *Provider) { p.name = name }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.tokenTTL = ttl }
}

func WithAuthURL(authURL string) Option {
	return func(p *Provider) { p.authURL = authURL }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		name:     core.ProviderGoogle,
		authURL:  defaultAuthURL,
		tokenTTL: defaultTokenTTL,
		codeTTL:  defaultCodeTTL,
		now:      time.Now,
		users:    make(map[string]User),
		granted:  make(map[string][]string),
		codes:    make(map[string]*codeGrant),
		access:   make(map[string]*accessGrant),
		refresh:  make(map[string]*refreshGrant),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddUser creates or replaces a provider account.
func (p *Provider) AddUser(u User) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u.Email = strings.ToLower(u.Email)
	p.users[u.Email] = u
}

// Authorize simulates the user approving the consent screen. Scopes
// accumulate across approvals, as with incremental authorization.
func (p *Provider) Authorize(email string, scopes []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	email = strings.ToLower(email)
	if _, ok := p.users[email]; !ok {
		return "", ErrUnknownUser
	}

	p.granted[email] = union(p.granted[email], scopes)

	code, err := crypto.RandomHex(16)
	if err != nil {
		return "", err
	}
	p.codes[code] = &codeGrant{
		email:     email,
		scopes:    slices.Clone(p.granted[email]),
		expiresAt: p.now().Add(p.codeTTL),
	}
	return code, nil
}

// RevokeScopes drops scopes from a user's grant and kills every token the
// user holds, as a user removing access in the provider's settings would.
func (p *Provider) RevokeScopes(email string, scopes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	email = strings.ToLower(email)
	p.granted[email] = slices.DeleteFunc(slices.Clone(p.granted[email]), func(s string) bool {
		return slices.Contains(scopes, s)
	})
	for _, g := range p.access {
		if g.email == email {
			g.revoked = true
		}
	}
	for _, g := range p.refresh {
		if g.email == email {
			g.revoked = true
		}
	}
}

// FailNext queues err as the result of the next call to op. Queued
// failures are returned in order.
func (p *Provider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// Calls reports how many times op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// enter counts the call and returns any injected failure. Callers hold mu.
func (p *Provider) enter(ctx context.Context, op string) error {
	p.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if queued := p.failures[op]; len(queued) > 0 {
		p.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (p *Provider) Name() core.Provider { return p.name }

func (p *Provider) ScopeURL(name string) string { return scopeURLPrefix + name }

func (p *Provider) BaselineScopes() []string {
	return []string{"openid", "email", "profile"}
}

func (p *Provider) AuthorizationURL(state string, scopes []string, opts core.AuthURLOptions) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("state", state)
	q.Set("scope", strings.Join(scopes, " "))
	if opts.Offline {
		q.Set("access_type", "offline")
	}
	if opts.ForceConsent {
		q.Set("prompt", "consent")
	}
	if opts.IncludeGranted {
		q.Set("include_granted_scopes", "true")
	}
	if opts.PermissionFlow {
		q.Set("flow", "permission")
	}
	return p.authURL + "?" + q.Encode()
}

func (p *Provider) ExchangeCode(ctx context.Context, code string, permissionFlow bool) (*core.ProviderTokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(ctx, OpExchangeCode); err != nil {
		return nil, err
	}

	g, ok := p.codes[code]
	delete(p.codes, code)
	if !ok || !p.now().Before(g.expiresAt) {
		return nil, ErrInvalidCode
	}
	return p.issue(g.email, g.scopes, "")
}

// issue mints an access token, and a refresh token unless one is given.
// Callers hold mu.
func (p *Provider) issue(email string, scopes []string, refresh string) (*core.ProviderTokens, error) {
	access, err := crypto.RandomHex(24)
	if err != nil {
		return nil, err
	}

	out := &core.ProviderTokens{
		AccessToken: "mock-at-" + access,
		ExpiresAt:   p.now().Add(p.tokenTTL),
		Scopes:      slices.Clone(scopes),
	}
	if refresh == "" {
		rt, err := crypto.RandomHex(24)
		if err != nil {
			return nil, err
		}
		refresh = "mock-rt-" + rt
		p.refresh[refresh] = &refreshGrant{email: email, scopes: slices.Clone(scopes)}
		out.RefreshToken = refresh
	}

	p.access[out.AccessToken] = &accessGrant{
		email:     email,
		scopes:    slices.Clone(scopes),
		expiresAt: out.ExpiresAt,
		refresh:   refresh,
	}
	return out, nil
}

// live returns the grant behind a usable access token. Callers hold mu.
func (p *Provider) live(accessToken string) (*accessGrant, error) {
	g, ok := p.access[accessToken]
	if !ok || g.revoked || !p.now().Before(g.expiresAt) {
		return nil, core.ErrInvalidToken
	}
	return g, nil
}

func (p *Provider) TokenInfo(ctx context.Context, accessToken string) (*core.TokenInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(ctx, OpTokenInfo); err != nil {
		return nil, err
	}
	g, err := p.live(accessToken)
	if err != nil {
		return nil, err
	}
	return &core.TokenInfo{Scopes: slices.Clone(g.scopes), Email: g.email, ExpiresAt: g.expiresAt}, nil
}

func (p *Provider) UserInfo(ctx context.Context, accessToken string) (*core.ExternalIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(ctx, OpUserInfo); err != nil {
		return nil, err
	}
	g, err := p.live(accessToken)
	if err != nil {
		return nil, err
	}
	u, ok := p.users[g.email]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, g.email)
	}
	return &core.ExternalIdentity{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Name:          u.Name,
		GivenName:     u.GivenName,
		FamilyName:    u.FamilyName,
		Picture:       u.Picture,
	}, nil
}

func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*core.ProviderTokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(ctx, OpRefreshToken); err != nil {
		return nil, err
	}
	g, ok := p.refresh[refreshToken]
	if !ok || g.revoked {
		return nil, core.ErrInvalidToken
	}
	return p.issue(g.email, g.scopes, refreshToken)
}

// RevokeToken accepts an access or refresh token. Revoking a refresh
// token revokes every access token minted from it.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(ctx, OpRevokeToken); err != nil {
		return err
	}

	if g, ok := p.access[token]; ok {
		g.revoked = true
		return nil
	}
	g, ok := p.refresh[token]
	if !ok {
		return core.ErrInvalidToken
	}
	g.revoked = true
	for _, a := range p.access {
		if a.refresh == token {
			a.revoked = true
		}
	}
	return nil
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
