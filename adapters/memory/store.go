// Package memory is an in-process core.AccountStore for tests and local
// development. Every method copies on the way in and out so callers never
// share state with the store.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lborres/accountd/core"
)

type Store struct {
	mu         sync.RWMutex
	accounts   map[string]*core.Account
	byEmail    map[string]string
	byUsername map[string]string
	now        func() time.Time
}

var _ core.AccountStore = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:   make(map[string]*core.Account),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
		now:        time.Now,
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (s *Store) CreateAccount(_ context.Context, a *core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := normalize(a.UserDetails.Email)
	if _, taken := s.byEmail[email]; taken {
		return core.ErrEmailTaken
	}
	if a.UserDetails.Username != nil {
		if _, taken := s.byUsername[normalize(*a.UserDetails.Username)]; taken {
			return core.ErrUsernameTaken
		}
	}

	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now

	s.accounts[a.ID] = cloneAccount(a)
	s.byEmail[email] = a.ID
	if a.UserDetails.Username != nil {
		s.byUsername[normalize(*a.UserDetails.Username)] = a.ID
	}
	return nil
}

func (s *Store) GetAccountByID(_ context.Context, id string) (*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, core.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*core.Account, error) {
	s.mu.RLock()
	id, ok := s.byEmail[normalize(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrAccountNotFound
	}
	return s.GetAccountByID(ctx, id)
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*core.Account, error) {
	s.mu.RLock()
	id, ok := s.byUsername[normalize(username)]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrAccountNotFound
	}
	return s.GetAccountByID(ctx, id)
}

func (s *Store) EmailExists(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byEmail[normalize(email)]
	return ok, nil
}

func (s *Store) UsernameExists(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byUsername[normalize(username)]
	return ok, nil
}

func (s *Store) UpdateAccount(_ context.Context, a *core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.accounts[a.ID]
	if !ok {
		return core.ErrAccountNotFound
	}

	newEmail := normalize(a.UserDetails.Email)
	oldEmail := normalize(old.UserDetails.Email)
	if newEmail != oldEmail {
		if _, taken := s.byEmail[newEmail]; taken {
			return core.ErrEmailTaken
		}
	}

	var oldUser, newUser string
	if old.UserDetails.Username != nil {
		oldUser = normalize(*old.UserDetails.Username)
	}
	if a.UserDetails.Username != nil {
		newUser = normalize(*a.UserDetails.Username)
	}
	if newUser != "" && newUser != oldUser {
		if _, taken := s.byUsername[newUser]; taken {
			return core.ErrUsernameTaken
		}
	}

	delete(s.byEmail, oldEmail)
	s.byEmail[newEmail] = a.ID
	if oldUser != "" {
		delete(s.byUsername, oldUser)
	}
	if newUser != "" {
		s.byUsername[newUser] = a.ID
	}

	a.UpdatedAt = s.now()
	s.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (s *Store) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	delete(s.byEmail, normalize(a.UserDetails.Email))
	if a.UserDetails.Username != nil {
		delete(s.byUsername, normalize(*a.UserDetails.Username))
	}
	delete(s.accounts, id)
	return nil
}

func (s *Store) RecordFailedLogin(_ context.Context, id string, policy core.LockoutPolicy, now time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return 0, nil, core.ErrAccountNotFound
	}

	sec := &a.Security
	if sec.LockedUntil != nil && !now.Before(*sec.LockedUntil) {
		sec.FailedLoginAttempts = 0
		sec.LockedUntil = nil
	}

	sec.FailedLoginAttempts++
	if sec.FailedLoginAttempts >= policy.MaxAttempts {
		until := now.Add(policy.Duration)
		sec.LockedUntil = &until
	}
	a.UpdatedAt = now

	return sec.FailedLoginAttempts, cloneTime(sec.LockedUntil), nil
}

func (s *Store) ResetFailedLogins(_ context.Context, id string) error {
	return s.mutate(id, func(a *core.Account) {
		a.Security.FailedLoginAttempts = 0
		a.Security.LockedUntil = nil
	})
}

func (s *Store) EnableTwoFactor(_ context.Context, id, secret string, backupCodeHashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return core.ErrAccountNotFound
	}
	if a.Security.TwoFactorEnabled {
		return core.ErrTwoFactorAlreadyEnabled
	}
	a.Security.TwoFactorEnabled = true
	a.Security.TwoFactorSecret = &secret
	a.Security.BackupCodes = slices.Clone(backupCodeHashes)
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) DisableTwoFactor(_ context.Context, id string) error {
	return s.mutate(id, func(a *core.Account) {
		a.Security.TwoFactorEnabled = false
		a.Security.TwoFactorSecret = nil
		a.Security.BackupCodes = nil
	})
}

func (s *Store) ReplaceBackupCodes(_ context.Context, id string, backupCodeHashes []string) error {
	return s.mutate(id, func(a *core.Account) {
		a.Security.BackupCodes = slices.Clone(backupCodeHashes)
	})
}

func (s *Store) ConsumeBackupCode(_ context.Context, id, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return false, core.ErrAccountNotFound
	}

	i := slices.Index(a.Security.BackupCodes, hash)
	if i < 0 {
		return false, nil
	}
	a.Security.BackupCodes = slices.Delete(a.Security.BackupCodes, i, i+1)
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) MergeProviderScopes(_ context.Context, id string, scopes []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, core.ErrAccountNotFound
	}

	for _, scope := range scopes {
		if !slices.Contains(a.ProviderScopes, scope) {
			a.ProviderScopes = append(a.ProviderScopes, scope)
		}
	}
	a.UpdatedAt = s.now()
	return slices.Clone(a.ProviderScopes), nil
}

func (s *Store) SetProviderTokens(_ context.Context, id string, tokens *core.ProviderTokens) error {
	return s.mutate(id, func(a *core.Account) {
		a.ProviderTokens = cloneTokens(tokens)
	})
}

func (s *Store) mutate(id string, fn func(a *core.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return core.ErrAccountNotFound
	}
	fn(a)
	a.UpdatedAt = s.now()
	return nil
}

func cloneAccount(a *core.Account) *core.Account {
	out := *a
	out.UserDetails.Username = cloneString(a.UserDetails.Username)
	out.UserDetails.ImageURL = cloneString(a.UserDetails.ImageURL)
	out.Security.PasswordHash = cloneString(a.Security.PasswordHash)
	out.Security.TwoFactorSecret = cloneString(a.Security.TwoFactorSecret)
	out.Security.BackupCodes = slices.Clone(a.Security.BackupCodes)
	out.Security.LockedUntil = cloneTime(a.Security.LockedUntil)
	out.ProviderScopes = slices.Clone(a.ProviderScopes)
	out.ProviderTokens = cloneTokens(a.ProviderTokens)
	return &out
}

func cloneTokens(t *core.ProviderTokens) *core.ProviderTokens {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
