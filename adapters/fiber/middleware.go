package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/accountd/core"
	"github.com/lborres/accountd/services"
)

type localsKey int

const (
	sessionKey localsKey = iota
	principalKey
)

// loadSession decodes the session cookie once per request.
func (a *Adapter) loadSession(c fiber.Ctx) error {
	raw := c.Cookies(core.SessionCookieName)
	c.Locals(sessionKey, a.svc.Sessions.SessionFromCookie(raw, raw != ""))
	return c.Next()
}

func sessionState(c fiber.Ctx) core.SessionState {
	if st, ok := c.Locals(sessionKey).(core.SessionState); ok {
		return st
	}
	return core.SessionState{Session: core.Session{AccountIDs: []string{}}}
}

// requirePrincipal resolves the :accountId path account from its access
// token and stores it for the handler. Membership is only enforced when
// the request carries a valid session, so Bearer-only clients still work.
func (a *Adapter) requirePrincipal(c fiber.Ctx) error {
	accountID := c.Params("accountId")

	token := services.ExtractToken(c.Cookies(core.AccessCookieName(accountID)), c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return a.resp.fail(c, core.ErrUnauthenticated)
	}

	claims, err := a.svc.Tokens.VerifyAccessToken(token, accountID)
	if err != nil {
		return a.resp.fail(c, err)
	}

	acct, err := a.svc.Store.GetAccountByID(c.Context(), accountID)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return a.resp.fail(c, core.ErrInvalidToken)
		}
		return a.resp.fail(c, err)
	}
	if err := services.CheckStatus(acct); err != nil {
		return a.resp.fail(c, err)
	}

	if st := sessionState(c); st.IsValid && !st.Contains(accountID) {
		return a.resp.fail(c, core.ErrAccountNotInSession)
	}

	c.Locals(principalKey, &core.Principal{
		AccountID:   acct.ID,
		AccountType: acct.AccountType,
		Account:     acct,
		Claims:      claims,
	})
	return c.Next()
}

// Principal returns the account resolved by the account middleware, or
// nil on routes without it. Plugin handlers on AuthAccount endpoints use
// it to learn who is calling.
func Principal(c fiber.Ctx) *core.Principal {
	p, _ := c.Locals(principalKey).(*core.Principal)
	return p
}
