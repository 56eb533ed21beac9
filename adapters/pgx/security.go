package pgx

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lborres/accountd/core"
)

func (a *Adapter) RecordFailedLogin(ctx context.Context, id string, policy core.LockoutPolicy, now time.Time) (int, *time.Time, error) {
	// $2 is now, $3 is the lock deadline if this attempt trips the threshold.
	query := `UPDATE public.accounts SET
	              failed_login_attempts = CASE
	                  WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
	                  ELSE failed_login_attempts + 1
	              END,
	              locked_until = CASE
	                  WHEN (CASE WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1 ELSE failed_login_attempts + 1 END) >= $4 THEN $3
	                  WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN NULL
	                  ELSE locked_until
	              END,
	              updated_at = $2
	          WHERE id = $1
	          RETURNING failed_login_attempts, locked_until`

	var attempts int
	var lockedUntil *time.Time
	err := a.pool.QueryRow(ctx, query, id, now, now.Add(policy.Duration), policy.MaxAttempts).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, core.ErrAccountNotFound
		}
		return 0, nil, fmt.Errorf("failed to record login failure: %w", err)
	}

	return attempts, lockedUntil, nil
}

func (a *Adapter) ResetFailedLogins(ctx context.Context, id string) error {
	return a.exec(ctx, `UPDATE public.accounts SET failed_login_attempts = 0, locked_until = NULL, updated_at = now() WHERE id = $1`, id)
}

func (a *Adapter) EnableTwoFactor(ctx context.Context, id, secret string, backupCodeHashes []string) error {
	query := `UPDATE public.accounts SET two_factor_enabled = true, two_factor_secret = $2, backup_codes = $3, updated_at = now()
	          WHERE id = $1 AND two_factor_enabled = false`

	tag, err := a.pool.Exec(ctx, query, id, secret, nonNil(backupCodeHashes))
	if err != nil {
		return fmt.Errorf("failed to enable two-factor: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	exists, err := a.accountExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return core.ErrAccountNotFound
	}
	return core.ErrTwoFactorAlreadyEnabled
}

func (a *Adapter) DisableTwoFactor(ctx context.Context, id string) error {
	query := `UPDATE public.accounts SET two_factor_enabled = false, two_factor_secret = NULL, backup_codes = '{}', updated_at = now()
	          WHERE id = $1`
	return a.exec(ctx, query, id)
}

func (a *Adapter) ReplaceBackupCodes(ctx context.Context, id string, backupCodeHashes []string) error {
	return a.exec(ctx, `UPDATE public.accounts SET backup_codes = $2, updated_at = now() WHERE id = $1`, id, nonNil(backupCodeHashes))
}

func (a *Adapter) ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error) {
	query := `UPDATE public.accounts SET backup_codes = array_remove(backup_codes, $2), updated_at = now()
	          WHERE id = $1 AND $2 = ANY(backup_codes)`

	tag, err := a.pool.Exec(ctx, query, id, hash)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	exists, err := a.accountExists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, core.ErrAccountNotFound
	}
	return false, nil
}

func (a *Adapter) MergeProviderScopes(ctx context.Context, id string, scopes []string) ([]string, error) {
	// Appends in request order, skipping scopes already granted.
	query := `UPDATE public.accounts SET
	              provider_scopes = provider_scopes || ARRAY(
	                  SELECT s FROM unnest($2::text[]) WITH ORDINALITY AS t(s, n)
	                  WHERE NOT s = ANY(provider_scopes)
	                  ORDER BY n
	              ),
	              updated_at = now()
	          WHERE id = $1
	          RETURNING provider_scopes`

	var merged []string
	err := a.pool.QueryRow(ctx, query, id, dedupe(scopes)).Scan(&merged)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to merge provider scopes: %w", err)
	}
	return merged, nil
}

func (a *Adapter) SetProviderTokens(ctx context.Context, id string, tokens *core.ProviderTokens) error {
	var access, refresh *string
	var expiresAt *time.Time
	if tokens != nil {
		access = &tokens.AccessToken
		if tokens.RefreshToken != "" {
			refresh = &tokens.RefreshToken
		}
		if !tokens.ExpiresAt.IsZero() {
			expiresAt = &tokens.ExpiresAt
		}
	}

	query := `UPDATE public.accounts SET provider_access_token = $2, provider_refresh_token = $3, provider_token_expires_at = $4, updated_at = now()
	          WHERE id = $1`
	return a.exec(ctx, query, id, access, refresh, expiresAt)
}

// exec runs a single-row update and reports a missing row as
// ErrAccountNotFound.
func (a *Adapter) exec(ctx context.Context, query string, args ...any) error {
	tag, err := a.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAccountNotFound
	}
	return nil
}

func (a *Adapter) accountExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := a.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM public.accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return exists, nil
}

// dedupe drops repeated scopes, keeping the first occurrence.
func dedupe(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
