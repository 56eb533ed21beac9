// Package pgx stores accounts and single-use flow values in PostgreSQL.
// Every counter, set and redeem operation is one SQL statement so
// concurrent requests cannot interleave.
package pgx

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lborres/accountd/core"
)

// Schema creates the tables the adapters expect. It is safe to run on
// every start.
const Schema = `
CREATE TABLE IF NOT EXISTS public.accounts (
	id                        TEXT PRIMARY KEY,
	account_type              TEXT NOT NULL CHECK (account_type IN ('local', 'oauth')),
	status                    TEXT NOT NULL,
	name                      TEXT NOT NULL,
	first_name                TEXT NOT NULL DEFAULT '',
	last_name                 TEXT NOT NULL DEFAULT '',
	email                     TEXT NOT NULL,
	username                  TEXT,
	email_verified            BOOLEAN NOT NULL DEFAULT false,
	image_url                 TEXT,
	password_hash             TEXT,
	two_factor_enabled        BOOLEAN NOT NULL DEFAULT false,
	two_factor_secret         TEXT,
	backup_codes              TEXT[] NOT NULL DEFAULT '{}',
	failed_login_attempts     INTEGER NOT NULL DEFAULT 0,
	locked_until              TIMESTAMPTZ,
	provider                  TEXT,
	provider_scopes           TEXT[] NOT NULL DEFAULT '{}',
	provider_access_token     TEXT,
	provider_refresh_token    TEXT,
	provider_token_expires_at TIMESTAMPTZ,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS accounts_email_key ON public.accounts (lower(email));
CREATE UNIQUE INDEX IF NOT EXISTS accounts_username_key ON public.accounts (lower(username)) WHERE username IS NOT NULL;

CREATE TABLE IF NOT EXISTS public.ephemeral_values (
	key        TEXT PRIMARY KEY,
	payload    BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ephemeral_values_expires_at_idx ON public.ephemeral_values (expires_at);
`

const (
	uniqueViolation    = "23505"
	emailConstraint    = "accounts_email_key"
	usernameConstraint = "accounts_username_key"
)

type Adapter struct {
	pool *pgxpool.Pool
}

var _ core.AccountStore = (*Adapter)(nil)

func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{
		pool: pool,
	}
}

// Migrate applies Schema.
func (a *Adapter) Migrate(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, Schema)
	return err
}

// conflictError maps unique-index violations to the domain conflicts.
func conflictError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case emailConstraint:
		return core.ErrEmailTaken
	case usernameConstraint:
		return core.ErrUsernameTaken
	default:
		return err
	}
}
