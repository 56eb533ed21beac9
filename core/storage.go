package core

import (
	"context"
	"time"
)

// AccountStorage is basic account persistence. Lookups return
// ErrAccountNotFound when nothing matches; CreateAccount returns
// ErrEmailTaken or ErrUsernameTaken on uniqueness violations.
type AccountStorage interface {
	CreateAccount(ctx context.Context, a *Account) error

	GetAccountByID(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*Account, error)

	EmailExists(ctx context.Context, email string) (bool, error)
	UsernameExists(ctx context.Context, username string) (bool, error)

	UpdateAccount(ctx context.Context, a *Account) error

	DeleteAccount(ctx context.Context, id string) error
}

// LockoutPolicy configures failed-login lockout.
type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}

// CredentialStorage holds the atomic updates used by local login.
type CredentialStorage interface {
	// RecordFailedLogin increments the failed-attempt counter in one
	// atomic step and sets LockedUntil once the threshold is reached.
	// A failure after an expired lock restarts the count at 1.
	RecordFailedLogin(ctx context.Context, id string, policy LockoutPolicy, now time.Time) (attempts int, lockedUntil *time.Time, err error)
	ResetFailedLogins(ctx context.Context, id string) error
}

// SecondFactorStorage holds the atomic updates used by two-factor auth.
type SecondFactorStorage interface {
	// EnableTwoFactor persists the secret and replaces any backup codes.
	// It fails with ErrTwoFactorAlreadyEnabled when the account already
	// has two-factor auth on, so a second pending setup cannot swap the
	// secret.
	EnableTwoFactor(ctx context.Context, id, secret string, backupCodeHashes []string) error
	DisableTwoFactor(ctx context.Context, id string) error
	ReplaceBackupCodes(ctx context.Context, id string, backupCodeHashes []string) error
	// ConsumeBackupCode removes hash from the account's set and reports
	// whether it was present. Two concurrent callers never both succeed.
	ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error)
}

// ProviderGrantStorage tracks OAuth scopes and upstream tokens.
type ProviderGrantStorage interface {
	// MergeProviderScopes adds scopes to the account's set and returns
	// the resulting set.
	MergeProviderScopes(ctx context.Context, id string, scopes []string) ([]string, error)
	// SetProviderTokens replaces the stored tokens; nil clears them.
	SetProviderTokens(ctx context.Context, id string, tokens *ProviderTokens) error
}

type AccountStore interface {
	AccountStorage
	CredentialStorage
	SecondFactorStorage
	ProviderGrantStorage
}

// EphemeralStore keeps short-lived single-use values: OAuth states,
// setup tokens, verification and profile tokens, pending temp tokens.
type EphemeralStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Peek reads without consuming.
	Peek(ctx context.Context, key string) ([]byte, error)
	// Take reads and deletes in one atomic step. Of several concurrent
	// callers at most one receives the value; the rest get
	// ErrEphemeralNotFound.
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
