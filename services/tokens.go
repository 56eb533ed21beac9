package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lborres/accountd/core"
)

type accountClaims struct {
	AccountType   core.AccountType `json:"accountType"`
	Provider      core.Provider    `json:"provider,omitempty"`
	ProviderToken string           `json:"providerAccessToken,omitempty"`
	ProviderExp   *jwt.NumericDate `json:"providerExpiresAt,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues the per-account access and refresh tokens and
// tracks each account's upstream provider grant.
type TokenService struct {
	signer    *Signer
	cfg       core.TokenConfig
	store     core.AccountStore
	providers *ProviderRegistry
	logger    *slog.Logger
	clock     clock
}

func NewTokenService(signer *Signer, cfg core.TokenConfig, store core.AccountStore, providers *ProviderRegistry, logger *slog.Logger) *TokenService {
	return &TokenService{
		signer:    signer,
		cfg:       cfg.WithDefaults(),
		store:     store,
		providers: providers,
		logger:    orDiscard(logger),
	}
}

func (s *TokenService) Config() core.TokenConfig {
	return s.cfg
}

// IssueTokens mints an access token, plus a refresh token when rememberMe
// is set.
func (s *TokenService) IssueTokens(a *core.Account, rememberMe bool) (*core.IssuedTokens, error) {
	access, accessExp, err := s.mint(a, purposeAccess, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}

	out := &core.IssuedTokens{AccessToken: access, AccessExpiresAt: accessExp}
	if !rememberMe {
		return out, nil
	}

	refresh, refreshExp, err := s.mint(a, purposeRefresh, s.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	out.RefreshToken = refresh
	out.RefreshExpiresAt = refreshExp
	return out, nil
}

func (s *TokenService) mint(a *core.Account, purpose tokenPurpose, ttl time.Duration) (string, time.Time, error) {
	claims := accountClaims{
		AccountType:      a.AccountType,
		Provider:         a.Provider,
		RegisteredClaims: s.signer.registered(purpose, a.ID, ttl),
	}
	if purpose == purposeAccess && a.ProviderTokens != nil {
		claims.ProviderToken = a.ProviderTokens.AccessToken
		if !a.ProviderTokens.ExpiresAt.IsZero() {
			claims.ProviderExp = jwt.NewNumericDate(a.ProviderTokens.ExpiresAt)
		}
	}

	signed, err := s.signer.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, claims.ExpiresAt.Time, nil
}

// VerifyAccessToken checks token is a live access token for accountID.
func (s *TokenService) VerifyAccessToken(token, accountID string) (*core.AccessClaims, error) {
	return s.verify(token, accountID, purposeAccess)
}

// VerifyRefreshToken checks token is a live refresh token for accountID.
func (s *TokenService) VerifyRefreshToken(token, accountID string) (*core.AccessClaims, error) {
	return s.verify(token, accountID, purposeRefresh)
}

func (s *TokenService) verify(token, accountID string, purpose tokenPurpose) (*core.AccessClaims, error) {
	var claims accountClaims
	if err := s.signer.parse(token, &claims, purpose); err != nil {
		return nil, core.ErrInvalidToken.WithCause(err)
	}
	if accountID != "" && claims.Subject != accountID {
		return nil, core.ErrInvalidToken
	}

	out := &core.AccessClaims{
		AccountID:   claims.Subject,
		AccountType: claims.AccountType,
		Provider:    claims.Provider,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
	if claims.ProviderToken != "" {
		out.ProviderTokens = &core.ProviderTokens{AccessToken: claims.ProviderToken}
		if claims.ProviderExp != nil {
			out.ProviderTokens.ExpiresAt = claims.ProviderExp.Time
		}
	}
	return out, nil
}

// ExtractToken prefers the per-account cookie over a Bearer header.
func ExtractToken(cookieValue, authorizationHeader string) string {
	if cookieValue != "" {
		return cookieValue
	}
	const prefix = "Bearer "
	if len(authorizationHeader) > len(prefix) && strings.EqualFold(authorizationHeader[:len(prefix)], prefix) {
		return strings.TrimSpace(authorizationHeader[len(prefix):])
	}
	return ""
}

// RefreshAccessToken exchanges a refresh token for a new access token,
// renewing the upstream provider token first when it has expired.
func (s *TokenService) RefreshAccessToken(ctx context.Context, accountID, refreshToken string) (*core.IssuedTokens, error) {
	// Step 1: Verify the refresh token belongs to this account
	if _, err := s.VerifyRefreshToken(refreshToken, accountID); err != nil {
		return nil, err
	}

	// Step 2: The account must still exist and be usable
	a, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return nil, core.ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if err := CheckStatus(a); err != nil {
		return nil, err
	}

	// Step 3: Renew the upstream token if needed
	if a.AccountType == core.AccountTypeOAuth && a.ProviderTokens.Expired(s.clock.now()) {
		tokens, err := s.refreshProviderTokens(ctx, a)
		if err != nil {
			return nil, err
		}
		a.ProviderTokens = tokens
	}

	// Step 4: Mint a new access token
	access, exp, err := s.mint(a, purposeAccess, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	return &core.IssuedTokens{AccessToken: access, AccessExpiresAt: exp}, nil
}

func (s *TokenService) refreshProviderTokens(ctx context.Context, a *core.Account) (*core.ProviderTokens, error) {
	if a.ProviderTokens == nil || a.ProviderTokens.RefreshToken == "" {
		return a.ProviderTokens, nil
	}

	adapter, err := s.providers.Lookup(string(a.Provider))
	if err != nil {
		return nil, err
	}

	fresh, err := callProvider(ctx, s.providers, true, func(ctx context.Context) (*core.ProviderTokens, error) {
		return adapter.RefreshToken(ctx, a.ProviderTokens.RefreshToken)
	})
	if err != nil {
		return nil, providerFailure(core.ErrProviderUnavailable, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = a.ProviderTokens.RefreshToken
	}

	if err := s.store.SetProviderTokens(ctx, a.ID, fresh); err != nil {
		return nil, fmt.Errorf("failed to store provider tokens: %w", err)
	}
	return fresh, nil
}

// StoreProviderTokens replaces the upstream tokens kept for an account.
func (s *TokenService) StoreProviderTokens(ctx context.Context, accountID string, tokens *core.ProviderTokens) error {
	if err := s.store.SetProviderTokens(ctx, accountID, tokens); err != nil {
		return fmt.Errorf("failed to store provider tokens: %w", err)
	}
	return nil
}

func (s *TokenService) GrantedScopes(ctx context.Context, accountID string) ([]string, error) {
	a, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return a.ProviderScopes, nil
}

// MergeScopes adds newly granted scopes to the account's set.
func (s *TokenService) MergeScopes(ctx context.Context, accountID string, scopes []string) ([]string, error) {
	merged, err := s.store.MergeProviderScopes(ctx, accountID, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge scopes: %w", err)
	}
	return merged, nil
}

// MissingScopes lists the scopes the account should hold that its current
// upstream token lacks. A missing or revoked token lacks everything.
func (s *TokenService) MissingScopes(ctx context.Context, a *core.Account, adapter core.ProviderAdapter) ([]string, error) {
	required := withoutBaseline(a.ProviderScopes, adapter.BaselineScopes())
	if len(required) == 0 {
		return nil, nil
	}

	tokens := a.ProviderTokens
	if tokens == nil || tokens.AccessToken == "" {
		return required, nil
	}

	if tokens.Expired(s.clock.now()) {
		fresh, err := s.refreshProviderTokens(ctx, a)
		if errors.Is(err, core.ErrInvalidToken) {
			return required, nil
		}
		if err != nil {
			return nil, err
		}
		tokens = fresh
	}

	info, err := callProvider(ctx, s.providers, true, func(ctx context.Context) (*core.TokenInfo, error) {
		return adapter.TokenInfo(ctx, tokens.AccessToken)
	})
	if errors.Is(err, core.ErrInvalidToken) {
		return required, nil
	}
	if err != nil {
		return nil, providerFailure(core.ErrProviderUnavailable, err)
	}

	return difference(required, info.Scopes), nil
}

// Revoke invalidates the account's upstream tokens. The provider call is
// best effort; the stored tokens are always cleared.
func (s *TokenService) Revoke(ctx context.Context, accountID string) error {
	a, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if a.ProviderTokens != nil {
		if adapter, err := s.providers.Lookup(string(a.Provider)); err == nil {
			token := a.ProviderTokens.RefreshToken
			if token == "" {
				token = a.ProviderTokens.AccessToken
			}
			_, err := callProvider(ctx, s.providers, true, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, adapter.RevokeToken(ctx, token)
			})
			if err != nil {
				s.logger.Warn("provider revoke failed",
					slog.String("account_id", accountID),
					slog.String("error", err.Error()))
			}
		}
	}

	return s.StoreProviderTokens(ctx, accountID, nil)
}

// CheckStatus applies the account status gates shared by every login path.
func CheckStatus(a *core.Account) error {
	switch a.Status {
	case core.StatusActive:
		return nil
	case core.StatusSuspended:
		return core.ErrAccountSuspended
	case core.StatusUnverified:
		return core.ErrEmailNotVerified
	default:
		return core.ErrAccountInactive
	}
}
