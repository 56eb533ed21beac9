package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lborres/accountd/core"
)

const accountColumns = `id, account_type, status, name, first_name, last_name, email, username, email_verified, image_url,
	password_hash, two_factor_enabled, two_factor_secret, backup_codes, failed_login_attempts, locked_until,
	provider, provider_scopes, provider_access_token, provider_refresh_token, provider_token_expires_at,
	created_at, updated_at`

// accountRow mirrors one accounts row. Nullable columns are pointers.
type accountRow struct {
	ID                     string
	AccountType            string
	Status                 string
	Name                   string
	FirstName              string
	LastName               string
	Email                  string
	Username               *string
	EmailVerified          bool
	ImageURL               *string
	PasswordHash           *string
	TwoFactorEnabled       bool
	TwoFactorSecret        *string
	BackupCodes            []string
	FailedLoginAttempts    int
	LockedUntil            *time.Time
	Provider               *string
	ProviderScopes         []string
	ProviderAccessToken    *string
	ProviderRefreshToken   *string
	ProviderTokenExpiresAt *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (r *accountRow) targets() []any {
	return []any{
		&r.ID, &r.AccountType, &r.Status, &r.Name, &r.FirstName, &r.LastName, &r.Email, &r.Username, &r.EmailVerified, &r.ImageURL,
		&r.PasswordHash, &r.TwoFactorEnabled, &r.TwoFactorSecret, &r.BackupCodes, &r.FailedLoginAttempts, &r.LockedUntil,
		&r.Provider, &r.ProviderScopes, &r.ProviderAccessToken, &r.ProviderRefreshToken, &r.ProviderTokenExpiresAt,
		&r.CreatedAt, &r.UpdatedAt,
	}
}

func (r *accountRow) account() *core.Account {
	acc := &core.Account{
		ID:          r.ID,
		AccountType: core.AccountType(r.AccountType),
		Status:      core.AccountStatus(r.Status),
		UserDetails: core.UserDetails{
			Name:          r.Name,
			FirstName:     r.FirstName,
			LastName:      r.LastName,
			Email:         r.Email,
			Username:      r.Username,
			EmailVerified: r.EmailVerified,
			ImageURL:      r.ImageURL,
		},
		Security: core.SecuritySettings{
			PasswordHash:        r.PasswordHash,
			TwoFactorEnabled:    r.TwoFactorEnabled,
			TwoFactorSecret:     r.TwoFactorSecret,
			BackupCodes:         r.BackupCodes,
			FailedLoginAttempts: r.FailedLoginAttempts,
			LockedUntil:         r.LockedUntil,
		},
		ProviderScopes: r.ProviderScopes,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Provider != nil {
		acc.Provider = core.Provider(*r.Provider)
	}
	if r.ProviderAccessToken != nil {
		acc.ProviderTokens = &core.ProviderTokens{AccessToken: *r.ProviderAccessToken}
		if r.ProviderRefreshToken != nil {
			acc.ProviderTokens.RefreshToken = *r.ProviderRefreshToken
		}
		if r.ProviderTokenExpiresAt != nil {
			acc.ProviderTokens.ExpiresAt = *r.ProviderTokenExpiresAt
		}
	}
	return acc
}

// rowFrom flattens an account for INSERT and UPDATE.
func rowFrom(acc *core.Account) accountRow {
	r := accountRow{
		ID:                  acc.ID,
		AccountType:         string(acc.AccountType),
		Status:              string(acc.Status),
		Name:                acc.UserDetails.Name,
		FirstName:           acc.UserDetails.FirstName,
		LastName:            acc.UserDetails.LastName,
		Email:               acc.UserDetails.Email,
		Username:            acc.UserDetails.Username,
		EmailVerified:       acc.UserDetails.EmailVerified,
		ImageURL:            acc.UserDetails.ImageURL,
		PasswordHash:        acc.Security.PasswordHash,
		TwoFactorEnabled:    acc.Security.TwoFactorEnabled,
		TwoFactorSecret:     acc.Security.TwoFactorSecret,
		BackupCodes:         acc.Security.BackupCodes,
		FailedLoginAttempts: acc.Security.FailedLoginAttempts,
		LockedUntil:         acc.Security.LockedUntil,
		ProviderScopes:      acc.ProviderScopes,
	}
	if r.BackupCodes == nil {
		r.BackupCodes = []string{}
	}
	if r.ProviderScopes == nil {
		r.ProviderScopes = []string{}
	}
	if acc.Provider != "" {
		p := string(acc.Provider)
		r.Provider = &p
	}
	if t := acc.ProviderTokens; t != nil {
		r.ProviderAccessToken = &t.AccessToken
		if t.RefreshToken != "" {
			r.ProviderRefreshToken = &t.RefreshToken
		}
		if !t.ExpiresAt.IsZero() {
			exp := t.ExpiresAt
			r.ProviderTokenExpiresAt = &exp
		}
	}
	return r
}

func (a *Adapter) CreateAccount(ctx context.Context, acc *core.Account) error {
	query := `INSERT INTO public.accounts (id, account_type, status, name, first_name, last_name, email, username, email_verified, image_url,
	              password_hash, two_factor_enabled, two_factor_secret, backup_codes, failed_login_attempts, locked_until,
	              provider, provider_scopes, provider_access_token, provider_refresh_token, provider_token_expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	          RETURNING created_at, updated_at`

	r := rowFrom(acc)
	var createdAt, updatedAt time.Time
	err := a.pool.QueryRow(ctx, query,
		r.ID, r.AccountType, r.Status, r.Name, r.FirstName, r.LastName, r.Email, r.Username, r.EmailVerified, r.ImageURL,
		r.PasswordHash, r.TwoFactorEnabled, r.TwoFactorSecret, r.BackupCodes, r.FailedLoginAttempts, r.LockedUntil,
		r.Provider, r.ProviderScopes, r.ProviderAccessToken, r.ProviderRefreshToken, r.ProviderTokenExpiresAt,
	).Scan(&createdAt, &updatedAt)

	if err != nil {
		return conflictError(err)
	}

	acc.CreatedAt = createdAt
	acc.UpdatedAt = updatedAt
	return nil
}

func (a *Adapter) getAccount(ctx context.Context, where string, arg any) (*core.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM public.accounts WHERE ` + where

	var r accountRow
	err := a.pool.QueryRow(ctx, query, arg).Scan(r.targets()...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return r.account(), nil
}

func (a *Adapter) GetAccountByID(ctx context.Context, id string) (*core.Account, error) {
	return a.getAccount(ctx, `id = $1`, id)
}

func (a *Adapter) GetAccountByEmail(ctx context.Context, email string) (*core.Account, error) {
	return a.getAccount(ctx, `lower(email) = lower($1)`, email)
}

func (a *Adapter) GetAccountByUsername(ctx context.Context, username string) (*core.Account, error) {
	return a.getAccount(ctx, `lower(username) = lower($1)`, username)
}

func (a *Adapter) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM public.accounts WHERE lower(email) = lower($1))`, email).Scan(&exists)
	return exists, err
}

func (a *Adapter) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM public.accounts WHERE lower(username) = lower($1))`, username).Scan(&exists)
	return exists, err
}

func (a *Adapter) UpdateAccount(ctx context.Context, acc *core.Account) error {
	query := `UPDATE public.accounts SET
	              account_type = $2, status = $3, name = $4, first_name = $5, last_name = $6, email = $7, username = $8,
	              email_verified = $9, image_url = $10, password_hash = $11, two_factor_enabled = $12, two_factor_secret = $13,
	              backup_codes = $14, failed_login_attempts = $15, locked_until = $16, provider = $17, provider_scopes = $18,
	              provider_access_token = $19, provider_refresh_token = $20, provider_token_expires_at = $21, updated_at = now()
	          WHERE id = $1 RETURNING updated_at`

	r := rowFrom(acc)
	var updatedAt time.Time
	err := a.pool.QueryRow(ctx, query,
		r.ID, r.AccountType, r.Status, r.Name, r.FirstName, r.LastName, r.Email, r.Username,
		r.EmailVerified, r.ImageURL, r.PasswordHash, r.TwoFactorEnabled, r.TwoFactorSecret,
		r.BackupCodes, r.FailedLoginAttempts, r.LockedUntil, r.Provider, r.ProviderScopes,
		r.ProviderAccessToken, r.ProviderRefreshToken, r.ProviderTokenExpiresAt,
	).Scan(&updatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.ErrAccountNotFound
		}
		return conflictError(err)
	}

	acc.UpdatedAt = updatedAt
	return nil
}

func (a *Adapter) DeleteAccount(ctx context.Context, id string) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM public.accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return nil
}
