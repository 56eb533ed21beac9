package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/accountd/adapters/mockprovider"
	"github.com/lborres/accountd/core"
)

// Requirement: refresh tokens are only issued with remember-me, and each
// token only verifies for its own purpose and account.
func TestTokenService_IssueAndVerify(t *testing.T) {
	h := newHarness(t)
	alice := h.seedLocal(t, "alice@example.com", "")

	t.Run("without remember-me", func(t *testing.T) {
		issued, err := h.tokens.IssueTokens(alice, false)

		require.NoError(t, err)
		assert.NotEmpty(t, issued.AccessToken)
		assert.Empty(t, issued.RefreshToken)
		assert.True(t, h.clock.Now().Add(time.Hour).Equal(issued.AccessExpiresAt))
	})

	t.Run("with remember-me", func(t *testing.T) {
		issued, err := h.tokens.IssueTokens(alice, true)
		require.NoError(t, err)
		require.NotEmpty(t, issued.RefreshToken)

		claims, err := h.tokens.VerifyAccessToken(issued.AccessToken, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, claims.AccountID)
		assert.Equal(t, core.AccountTypeLocal, claims.AccountType)

		_, err = h.tokens.VerifyRefreshToken(issued.RefreshToken, alice.ID)
		require.NoError(t, err)

		_, err = h.tokens.VerifyRefreshToken(issued.AccessToken, alice.ID)
		assert.ErrorIs(t, err, core.ErrInvalidToken, "access token must not verify as refresh")

		_, err = h.tokens.VerifyAccessToken(issued.RefreshToken, alice.ID)
		assert.ErrorIs(t, err, core.ErrInvalidToken, "refresh token must not verify as access")

		_, err = h.tokens.VerifyAccessToken(issued.AccessToken, "someone-else")
		assert.ErrorIs(t, err, core.ErrInvalidToken, "account id must match")
	})

	t.Run("expired access token", func(t *testing.T) {
		issued, err := h.tokens.IssueTokens(alice, false)
		require.NoError(t, err)
		h.clock.Advance(time.Hour + time.Second)

		_, err = h.tokens.VerifyAccessToken(issued.AccessToken, alice.ID)
		assert.ErrorIs(t, err, core.ErrInvalidToken)
	})
}

// Requirement: access tokens for oauth accounts carry the upstream token.
func TestTokenService_AccessTokenCarriesProviderToken(t *testing.T) {
	// Arrange
	h := newHarness(t)
	bob := h.seedOAuth(t, "bob@example.com", nil)

	// Act
	issued, err := h.tokens.IssueTokens(bob, false)
	require.NoError(t, err)
	claims, err := h.tokens.VerifyAccessToken(issued.AccessToken, bob.ID)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, core.ProviderGoogle, claims.Provider)
	require.NotNil(t, claims.ProviderTokens)
	assert.Equal(t, bob.ProviderTokens.AccessToken, claims.ProviderTokens.AccessToken)
}

// Requirement: the cookie wins over the Authorization header.
func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
		want   string
	}{
		{name: "cookie only", cookie: "c", want: "c"},
		{name: "header only", header: "Bearer h", want: "h"},
		{name: "both prefers cookie", cookie: "c", header: "Bearer h", want: "c"},
		{name: "case-insensitive scheme", header: "bearer h", want: "h"},
		{name: "other scheme ignored", header: "Basic xyz", want: ""},
		{name: "bare scheme ignored", header: "Bearer ", want: ""},
		{name: "nothing", want: ""},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, ExtractToken(test.cookie, test.header))
		})
	}
}

// Requirement: refreshing re-checks the account and renews an expired
// upstream token first.
func TestTokenService_RefreshAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("local account", func(t *testing.T) {
		h := newHarness(t)
		alice := h.seedLocal(t, "alice@example.com", "")
		issued, err := h.tokens.IssueTokens(alice, true)
		require.NoError(t, err)

		fresh, err := h.tokens.RefreshAccessToken(ctx, alice.ID, issued.RefreshToken)

		require.NoError(t, err)
		assert.NotEmpty(t, fresh.AccessToken)
		assert.Empty(t, fresh.RefreshToken)
	})

	t.Run("access token is rejected", func(t *testing.T) {
		h := newHarness(t)
		alice := h.seedLocal(t, "alice@example.com", "")
		issued, err := h.tokens.IssueTokens(alice, true)
		require.NoError(t, err)

		_, err = h.tokens.RefreshAccessToken(ctx, alice.ID, issued.AccessToken)

		assert.ErrorIs(t, err, core.ErrInvalidToken)
	})

	t.Run("suspended account", func(t *testing.T) {
		h := newHarness(t)
		alice := h.seedLocal(t, "alice@example.com", "", func(a *core.Account) { a.Status = core.StatusSuspended })
		issued, err := h.tokens.IssueTokens(alice, true)
		require.NoError(t, err)

		_, err = h.tokens.RefreshAccessToken(ctx, alice.ID, issued.RefreshToken)

		assert.ErrorIs(t, err, core.ErrAccountSuspended)
	})

	t.Run("deleted account", func(t *testing.T) {
		h := newHarness(t)
		alice := h.seedLocal(t, "alice@example.com", "")
		issued, err := h.tokens.IssueTokens(alice, true)
		require.NoError(t, err)
		require.NoError(t, h.accounts.DeleteAccount(ctx, alice.ID))

		_, err = h.tokens.RefreshAccessToken(ctx, alice.ID, issued.RefreshToken)

		assert.ErrorIs(t, err, core.ErrInvalidToken)
	})

	t.Run("expired upstream token is renewed", func(t *testing.T) {
		h := newHarness(t)
		bob := h.seedOAuth(t, "bob@example.com", nil)
		issued, err := h.tokens.IssueTokens(bob, true)
		require.NoError(t, err)
		h.clock.Advance(2 * time.Hour)

		fresh, err := h.tokens.RefreshAccessToken(ctx, bob.ID, issued.RefreshToken)
		require.NoError(t, err)

		stored, err := h.accounts.GetAccountByID(ctx, bob.ID)
		require.NoError(t, err)
		assert.NotEqual(t, bob.ProviderTokens.AccessToken, stored.ProviderTokens.AccessToken)
		assert.Equal(t, bob.ProviderTokens.RefreshToken, stored.ProviderTokens.RefreshToken, "refresh token is kept")

		claims, err := h.tokens.VerifyAccessToken(fresh.AccessToken, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, stored.ProviderTokens.AccessToken, claims.ProviderTokens.AccessToken)
	})

	t.Run("upstream refresh is retried once", func(t *testing.T) {
		h := newHarness(t)
		bob := h.seedOAuth(t, "bob@example.com", nil)
		issued, err := h.tokens.IssueTokens(bob, true)
		require.NoError(t, err)
		h.clock.Advance(2 * time.Hour)
		h.provider.FailNext(mockprovider.OpRefreshToken, errors.New("503 from upstream"))

		_, err = h.tokens.RefreshAccessToken(ctx, bob.ID, issued.RefreshToken)

		require.NoError(t, err)
		assert.Equal(t, 2, h.provider.Calls(mockprovider.OpRefreshToken))
	})
}

// Requirement: missing scopes exclude the baseline and treat a revoked
// token as holding nothing.
func TestTokenService_MissingScopes(t *testing.T) {
	ctx := context.Background()
	drive := "https://mock.test/auth/drive"
	calendar := "https://mock.test/auth/calendar"

	t.Run("token carries every scope", func(t *testing.T) {
		h := newHarness(t)
		bob := h.seedOAuth(t, "bob@example.com", []string{drive})

		missing, err := h.tokens.MissingScopes(ctx, bob, h.provider)

		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run("stored scope the token lacks", func(t *testing.T) {
		h := newHarness(t)
		bob := h.seedOAuth(t, "bob@example.com", []string{drive})
		merged, err := h.tokens.MergeScopes(ctx, bob.ID, []string{calendar})
		require.NoError(t, err)
		bob.ProviderScopes = merged

		missing, err := h.tokens.MissingScopes(ctx, bob, h.provider)

		require.NoError(t, err)
		assert.Equal(t, []string{calendar}, missing)
	})

	t.Run("revoked token lacks everything", func(t *testing.T) {
		h := newHarness(t)
		bob := h.seedOAuth(t, "bob@example.com", []string{drive, calendar})
		h.provider.RevokeScopes("bob@example.com", nil)

		missing, err := h.tokens.MissingScopes(ctx, bob, h.provider)

		require.NoError(t, err)
		assert.Equal(t, []string{drive, calendar}, missing)
	})

	t.Run("no stored token lacks everything", func(t *testing.T) {
		h := newHarness(t)
		bob := h.seedOAuth(t, "bob@example.com", []string{drive}, func(a *core.Account) { a.ProviderTokens = nil })

		missing, err := h.tokens.MissingScopes(ctx, bob, h.provider)

		require.NoError(t, err)
		assert.Equal(t, []string{drive}, missing)
	})

	t.Run("baseline only", func(t *testing.T) {
		h := newHarness(t)
		bob := h.seedOAuth(t, "bob@example.com", nil)

		missing, err := h.tokens.MissingScopes(ctx, bob, h.provider)

		require.NoError(t, err)
		assert.Empty(t, missing)
		assert.Equal(t, 0, h.provider.Calls(mockprovider.OpTokenInfo), "no upstream call needed")
	})
}

// Requirement: MergeScopes is a union that keeps existing order.
func TestTokenService_MergeScopes(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	bob := h.seedOAuth(t, "bob@example.com", nil)

	// Act
	merged, err := h.tokens.MergeScopes(ctx, bob.ID, []string{"email", "x", "x", "y"})
	require.NoError(t, err)
	granted, err := h.tokens.GrantedScopes(ctx, bob.ID)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "email", "profile", "x", "y"}, merged)
	assert.Equal(t, merged, granted)
}

// Requirement: Revoke clears stored tokens even when the upstream call
// fails.
func TestTokenService_Revoke(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes upstream and clears", func(t *testing.T) {
		h := newHarness(t)
		bob := h.seedOAuth(t, "bob@example.com", nil)

		require.NoError(t, h.tokens.Revoke(ctx, bob.ID))

		stored, err := h.accounts.GetAccountByID(ctx, bob.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.ProviderTokens)
		_, err = h.provider.TokenInfo(ctx, bob.ProviderTokens.AccessToken)
		assert.ErrorIs(t, err, core.ErrInvalidToken)
	})

	t.Run("upstream failure still clears", func(t *testing.T) {
		h := newHarness(t)
		bob := h.seedOAuth(t, "bob@example.com", nil)
		h.provider.FailNext(mockprovider.OpRevokeToken, errors.New("timeout"))
		h.provider.FailNext(mockprovider.OpRevokeToken, errors.New("timeout"))

		require.NoError(t, h.tokens.Revoke(ctx, bob.ID))

		stored, err := h.accounts.GetAccountByID(ctx, bob.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.ProviderTokens)
	})

	t.Run("unknown account", func(t *testing.T) {
		h := newHarness(t)

		err := h.tokens.Revoke(ctx, "nope")

		assert.ErrorIs(t, err, core.ErrAccountNotFound)
	})
}

// Requirement: a timed-out provider call is not retried once the caller
// has gone away.
func TestCallProvider_StopsWhenCallerCancels(t *testing.T) {
	// Arrange
	registry := NewProviderRegistry(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	// Act
	_, err := callProvider(ctx, registry, true, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("boom")
	})

	// Assert
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

// Requirement: unknown providers and known-but-unsupported providers fail
// with different messages.
func TestProviderRegistry_Lookup(t *testing.T) {
	registry := NewProviderRegistry(time.Second, mockprovider.New())

	tests := []struct {
		name        string
		provider    string
		wantCode    string
		wantMessage string
	}{
		{name: "supported", provider: "google"},
		{name: "case-insensitive", provider: "Google"},
		{name: "known but unsupported", provider: "microsoft", wantCode: "PROVIDER_NOT_IMPLEMENTED", wantMessage: "Provider microsoft is not implemented yet"},
		{name: "unknown", provider: "myspace", wantCode: "INVALID_PROVIDER", wantMessage: "Invalid OAuth provider"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			adapter, err := registry.Lookup(test.provider)

			if test.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, core.ProviderGoogle, adapter.Name())
				return
			}
			e := core.AsError(err)
			assert.Equal(t, test.wantCode, e.Code)
			assert.Equal(t, test.wantMessage, e.Message)
		})
	}
}
