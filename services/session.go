package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/lborres/accountd/core"
)

type sessionClaims struct {
	AccountIDs       []string `json:"accountIds"`
	CurrentAccountID *string  `json:"currentAccountId"`
	jwt.RegisteredClaims
}

// SessionManager owns the multi-account session token. The token itself
// is a plain signed list; account existence and membership of the
// current account are only checked in ResolveSession.
type SessionManager struct {
	signer   *Signer
	ttl      time.Duration
	accounts core.AccountStorage
	logger   *slog.Logger
}

func NewSessionManager(signer *Signer, ttl time.Duration, accounts core.AccountStorage, logger *slog.Logger) *SessionManager {
	return &SessionManager{signer: signer, ttl: ttl, accounts: accounts, logger: orDiscard(logger)}
}

// TTL is the session token lifetime, used for the cookie max-age.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

func (m *SessionManager) CreateSessionToken(accountIDs []string, currentAccountID *string) (string, error) {
	ids := make([]string, len(accountIDs))
	copy(ids, accountIDs)

	claims := sessionClaims{
		AccountIDs:       ids,
		CurrentAccountID: currentAccountID,
		RegisteredClaims: m.signer.registered(purposeSession, "", m.ttl),
	}
	return m.signer.sign(claims)
}

// VerifySessionToken returns the decoded session, or false when the token
// is malformed, expired or carries a bad signature.
func (m *SessionManager) VerifySessionToken(token string) (*core.Session, bool) {
	var claims sessionClaims
	if err := m.signer.parse(token, &claims, purposeSession); err != nil {
		return nil, false
	}

	s := &core.Session{AccountIDs: claims.AccountIDs, CurrentAccountID: claims.CurrentAccountID}
	if s.AccountIDs == nil {
		s.AccountIDs = []string{}
	}
	return s, true
}

// SessionFromCookie interprets the session cookie. present distinguishes a
// missing cookie from an empty one.
func (m *SessionManager) SessionFromCookie(value string, present bool) core.SessionState {
	if !present {
		return core.SessionState{Session: core.Session{AccountIDs: []string{}}}
	}

	s, ok := m.VerifySessionToken(value)
	if !ok {
		return core.SessionState{HasSession: true, IsValid: false, Session: core.Session{AccountIDs: []string{}}}
	}
	return core.SessionState{HasSession: true, IsValid: true, Session: *s}
}

// AddAccount appends accountID when absent. Re-adding keeps the order.
func (m *SessionManager) AddAccount(s core.Session, accountID string, setAsCurrent bool) core.Session {
	out := s.Clone()
	if !out.Contains(accountID) {
		out.AccountIDs = append(out.AccountIDs, accountID)
	}
	if setAsCurrent {
		id := accountID
		out.CurrentAccountID = &id
	}
	return out
}

// RemoveAccount drops accountID. When it was current, the first remaining
// account (or none) becomes current.
func (m *SessionManager) RemoveAccount(s core.Session, accountID string) core.Session {
	out := core.Session{AccountIDs: make([]string, 0, len(s.AccountIDs))}
	for _, id := range s.AccountIDs {
		if id != accountID {
			out.AccountIDs = append(out.AccountIDs, id)
		}
	}

	switch {
	case s.CurrentAccountID == nil:
	case *s.CurrentAccountID != accountID:
		id := *s.CurrentAccountID
		out.CurrentAccountID = &id
	case len(out.AccountIDs) > 0:
		id := out.AccountIDs[0]
		out.CurrentAccountID = &id
	}
	return out
}

// SetCurrentAccount switches the current account. nil clears it.
func (m *SessionManager) SetCurrentAccount(s core.Session, accountID *string) (core.Session, error) {
	out := s.Clone()
	if accountID == nil {
		out.CurrentAccountID = nil
		return out, nil
	}
	if !s.Contains(*accountID) {
		return s, core.ErrAccountNotInSession
	}
	id := *accountID
	out.CurrentAccountID = &id
	return out, nil
}

// ResolveSession loads every account in the session, drops ids that no
// longer exist and repairs the current account.
func (m *SessionManager) ResolveSession(ctx context.Context, s core.Session) (*core.ResolvedSession, error) {
	found := make([]*core.Account, len(s.AccountIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range s.AccountIDs {
		g.Go(func() error {
			a, err := m.accounts.GetAccountByID(gctx, id)
			if errors.Is(err, core.ErrAccountNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load account %s: %w", id, err)
			}
			found[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resolved := &core.ResolvedSession{
		Session:  core.Session{AccountIDs: make([]string, 0, len(s.AccountIDs))},
		Accounts: make([]core.AccountSummary, 0, len(s.AccountIDs)),
	}
	seen := make(map[string]bool, len(s.AccountIDs))
	for i, id := range s.AccountIDs {
		if found[i] == nil || seen[id] {
			resolved.Changed = true
			continue
		}
		seen[id] = true
		resolved.Session.AccountIDs = append(resolved.Session.AccountIDs, id)
		resolved.Accounts = append(resolved.Accounts, found[i].Summary())
	}

	if s.CurrentAccountID != nil {
		if seen[*s.CurrentAccountID] {
			id := *s.CurrentAccountID
			resolved.Session.CurrentAccountID = &id
		} else {
			resolved.Changed = true
			if len(resolved.Session.AccountIDs) > 0 {
				id := resolved.Session.AccountIDs[0]
				resolved.Session.CurrentAccountID = &id
			}
		}
	}

	if resolved.Changed {
		m.logger.Debug("pruned session",
			slog.Int("before", len(s.AccountIDs)),
			slog.Int("after", len(resolved.Session.AccountIDs)))
	}

	return resolved, nil
}

// SessionAccount returns one account of the session.
func (m *SessionManager) SessionAccount(ctx context.Context, s core.Session, accountID string) (*core.AccountSummary, error) {
	if !s.Contains(accountID) {
		return nil, core.ErrAccountNotInSession
	}

	a, err := m.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	summary := a.Summary()
	return &summary, nil
}
