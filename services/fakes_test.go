package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/lborres/accountd/adapters/memory"
	"github.com/lborres/accountd/adapters/mockprovider"
	"github.com/lborres/accountd/core"
	"github.com/lborres/accountd/pkg/cache"
	"github.com/lborres/accountd/pkg/crypto"
)

const (
	testSecret   = "test-secret-value-that-is-long-enough-1234"
	testPassword = "correct-horse-battery"
	testCallback = "https://app.example.com/auth/done"
)

// fakeClock is a settable clock shared by every component of a harness.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentEmail struct {
	Template core.EmailTemplate
	To       string
	Vars     map[string]string
}

// fakeEmailSender records messages and can be told to fail.
type fakeEmailSender struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (f *fakeEmailSender) Send(_ context.Context, template core.EmailTemplate, to string, vars map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentEmail{Template: template, To: to, Vars: vars})
	return nil
}

func (f *fakeEmailSender) last(template core.EmailTemplate) (sentEmail, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Template == template {
			return f.sent[i], true
		}
	}
	return sentEmail{}, false
}

func (f *fakeEmailSender) count(template core.EmailTemplate) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Template == template {
			n++
		}
	}
	return n
}

// faultyStore wraps an AccountStore and exposes error fields for
// behavior injection.
type faultyStore struct {
	core.AccountStore

	getErr     error
	createErr  error
	recordErr  error
	consumeErr error
}

func (f *faultyStore) GetAccountByID(ctx context.Context, id string) (*core.Account, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.AccountStore.GetAccountByID(ctx, id)
}

func (f *faultyStore) CreateAccount(ctx context.Context, a *core.Account) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.AccountStore.CreateAccount(ctx, a)
}

func (f *faultyStore) RecordFailedLogin(ctx context.Context, id string, policy core.LockoutPolicy, now time.Time) (int, *time.Time, error) {
	if f.recordErr != nil {
		return 0, nil, f.recordErr
	}
	return f.AccountStore.RecordFailedLogin(ctx, id, policy, now)
}

func (f *faultyStore) ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error) {
	if f.consumeErr != nil {
		return false, f.consumeErr
	}
	return f.AccountStore.ConsumeBackupCode(ctx, id, hash)
}

// harness wires every service against in-memory collaborators and one
// shared fake clock.
type harness struct {
	clock     *fakeClock
	accounts  *memory.Store
	store     *faultyStore
	ephemeral *cache.InMemoryStore
	provider  *mockprovider.Provider
	mail      *fakeEmailSender
	hasher    crypto.PasswordHandler

	signer   *Signer
	sessions *SessionManager
	tokens   *TokenService
	twofa    *TwoFactorAuthenticator
	creds    *CredentialAuthenticator
	oauth    *OAuthOrchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := newFakeClock()
	h := &harness{
		clock:     clk,
		accounts:  memory.New(),
		ephemeral: cache.NewInMemoryStore(cache.Config{Now: clk.Now}),
		provider:  mockprovider.New(mockprovider.WithClock(clk.Now)),
		mail:      &fakeEmailSender{},
		hasher:    crypto.NewFastArgon2(),
	}
	h.store = &faultyStore{AccountStore: h.accounts}

	registry := NewProviderRegistry(time.Second, h.provider)
	tokenCfg := core.DefaultTokenConfig()
	flows := core.DefaultFlowConfig()
	flows.OAuthErrorURL = "https://app.example.com/error"

	h.signer = NewSigner(testSecret, tokenCfg.Issuer).WithClock(clk.Now)
	h.sessions = NewSessionManager(h.signer, tokenCfg.SessionTTL, h.store, nil)

	h.tokens = NewTokenService(h.signer, tokenCfg, h.store, registry, nil)
	h.tokens.clock = clk.Now

	h.twofa = NewTwoFactorAuthenticator(TwoFactorDeps{
		Store:     h.store,
		Ephemeral: h.ephemeral,
		Hasher:    h.hasher,
		Signer:    h.signer,
		Tokens:    h.tokens,
		Sessions:  h.sessions,
		Email:     h.mail,
		Flows:     flows,
	})
	h.twofa.clock = clk.Now

	creds, err := NewCredentialAuthenticator(CredentialDeps{
		Store:     h.store,
		Ephemeral: h.ephemeral,
		Hasher:    h.hasher,
		Tokens:    h.tokens,
		Sessions:  h.sessions,
		TwoFactor: h.twofa,
		Email:     h.mail,
		Lockout:   core.DefaultLockoutPolicy(),
		Flows:     flows,
	})
	require.NoError(t, err)
	creds.clock = clk.Now
	h.creds = creds

	h.oauth = NewOAuthOrchestrator(OAuthDeps{
		Store:     h.store,
		Ephemeral: h.ephemeral,
		Providers: registry,
		Tokens:    h.tokens,
		Sessions:  h.sessions,
		TwoFactor: h.twofa,
		Flows:     flows,
	})
	h.oauth.clock = clk.Now

	return h
}

// seedLocal stores an active local account with testPassword.
func (h *harness) seedLocal(t *testing.T, email, username string, mutate ...func(*core.Account)) *core.Account {
	t.Helper()

	hash, err := h.hasher.Hash(testPassword)
	require.NoError(t, err)
	id, err := crypto.NewID()
	require.NoError(t, err)

	a := &core.Account{
		ID:          id,
		AccountType: core.AccountTypeLocal,
		Status:      core.StatusActive,
		UserDetails: core.UserDetails{
			Name:          "Test User",
			FirstName:     "Test",
			LastName:      "User",
			Email:         email,
			EmailVerified: true,
		},
		Security: core.SecuritySettings{PasswordHash: &hash},
	}
	if username != "" {
		a.UserDetails.Username = &username
	}
	for _, fn := range mutate {
		fn(a)
	}
	require.NoError(t, h.accounts.CreateAccount(context.Background(), a))
	return a
}

// seedOAuth stores an active oauth account holding live provider tokens
// for scopes.
func (h *harness) seedOAuth(t *testing.T, email string, scopes []string, mutate ...func(*core.Account)) *core.Account {
	t.Helper()

	h.provider.AddUser(mockprovider.User{ID: "sub-" + email, Email: email, EmailVerified: true, Name: "OAuth User"})
	code, err := h.provider.Authorize(email, append(h.provider.BaselineScopes(), scopes...))
	require.NoError(t, err)
	tokens, err := h.provider.ExchangeCode(context.Background(), code, false)
	require.NoError(t, err)

	id, err := crypto.NewID()
	require.NoError(t, err)
	a := &core.Account{
		ID:          id,
		AccountType: core.AccountTypeOAuth,
		Status:      core.StatusActive,
		UserDetails: core.UserDetails{
			Name:          "OAuth User",
			Email:         email,
			EmailVerified: true,
		},
		Provider:       h.provider.Name(),
		ProviderScopes: tokens.Scopes,
		ProviderTokens: tokens,
	}
	for _, fn := range mutate {
		fn(a)
	}
	require.NoError(t, h.accounts.CreateAccount(context.Background(), a))
	return a
}

// enableTwoFactor turns 2FA on directly in the store and returns the TOTP
// secret and plaintext backup codes.
func (h *harness) enableTwoFactor(t *testing.T, accountID string) (string, []string) {
	t.Helper()

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "accountd", AccountName: accountID})
	require.NoError(t, err)
	codes, hashes, err := crypto.GenerateBackupCodes()
	require.NoError(t, err)
	require.NoError(t, h.accounts.EnableTwoFactor(context.Background(), accountID, key.Secret(), hashes))
	return key.Secret(), codes
}

// totpCode returns the code valid at the harness clock.
func (h *harness) totpCode(t *testing.T, secret string) string {
	t.Helper()

	code, err := totp.GenerateCodeCustom(secret, h.clock.Now(), totpOpts)
	require.NoError(t, err)
	return code
}

// wrongCode turns a valid code into an invalid one of the same shape.
func wrongCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+5)%10
	return string(b)
}

func emptySession() core.Session {
	return core.Session{AccountIDs: []string{}}
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
