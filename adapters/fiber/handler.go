package fiber

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/accountd/core"
	"github.com/lborres/accountd/services"
)

// bindBody decodes a JSON body. An empty body leaves v untouched so the
// services can report the missing fields themselves.
func bindBody(c fiber.Ctx, v any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.Bind().Body(v); err != nil {
		return core.ErrInvalidRequestBody.WithCause(err)
	}
	return nil
}

// writeSession re-signs s into the session cookie.
func (a *Adapter) writeSession(c fiber.Ctx, s core.Session) error {
	token, err := a.svc.Sessions.CreateSessionToken(s.AccountIDs, s.CurrentAccountID)
	if err != nil {
		return err
	}
	a.cookies.setSession(c, token)
	return nil
}

// establish writes the cookies of a completed sign-in.
func (a *Adapter) establish(c fiber.Ctx, res *core.AuthResult) error {
	a.cookies.setTokens(c, res.AccountID, res.Tokens)
	return a.writeSession(c, res.Session)
}

// signedIn answers a login step: either the two-factor challenge or the
// new session.
func (a *Adapter) signedIn(c fiber.Ctx, status int, res *core.AuthResult) error {
	if res.RequiresTwoFactor {
		return a.resp.ok(c, http.StatusOK, res)
	}
	if err := a.establish(c, res); err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, status, fiber.Map{
		"accountId": res.AccountID,
		"name":      res.Name,
		"session":   res.Session,
	})
}

func (a *Adapter) login(c fiber.Ctx) error {
	var input services.LoginInput
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}

	res, err := a.svc.Credentials.Login(c.Context(), input, sessionState(c).Session)
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.signedIn(c, http.StatusOK, res)
}

func (a *Adapter) requestEmailVerification(c fiber.Ctx) error {
	var input struct {
		Email       string `json:"email"`
		CallbackURL string `json:"callbackUrl"`
	}
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}

	res, err := a.svc.Credentials.RequestEmailVerification(c.Context(), input.Email, input.CallbackURL)
	if err != nil {
		return a.resp.fail(c, err)
	}

	data := fiber.Map{"email": res.Email, "message": res.Message}
	a.resp.echo(data, "verificationToken", res.Token)
	return a.resp.ok(c, http.StatusOK, data)
}

func (a *Adapter) verifyEmail(c fiber.Ctx) error {
	res, err := a.svc.Credentials.VerifyEmail(c.Context(), c.Query("token"))
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, res)
}

func (a *Adapter) completeProfile(c fiber.Ctx) error {
	var input services.ProfileInput
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}

	res, err := a.svc.Credentials.CompleteProfile(c.Context(), c.Query("token"), input, sessionState(c).Session)
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.signedIn(c, http.StatusCreated, res)
}

func (a *Adapter) oauthStart(purpose services.OAuthPurpose) fiber.Handler {
	return func(c fiber.Ctx) error {
		res, err := a.svc.OAuth.AuthorizationURL(c.Context(), purpose, c.Params("provider"), services.AuthorizationRequest{
			CallbackURL: c.Query("callbackUrl"),
			AccountID:   c.Query("accountId"),
			ScopeNames:  c.Query("scopeNames"),
		})
		if err != nil {
			return a.resp.fail(c, err)
		}
		return a.resp.ok(c, http.StatusOK, res)
	}
}

// oauthCallback always answers with a redirect; outcomes travel as query
// parameters on the callback URL.
func (a *Adapter) oauthCallback(c fiber.Ctx) error {
	res := a.svc.OAuth.Callback(c.Context(), c.Params("provider"), services.CallbackParams{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	}, sessionState(c).Session)

	if res.Auth != nil && !res.Auth.RequiresTwoFactor {
		if err := a.establish(c, res.Auth); err != nil {
			a.logger.Error("failed to write session cookie",
				slog.String("account_id", res.Auth.AccountID),
				slog.String("error", err.Error()))
		}
	}
	return c.Redirect().Status(fiber.StatusFound).To(res.RedirectURL)
}

func (a *Adapter) twoFactorVerifyLogin(c fiber.Ctx) error {
	var input struct {
		TempToken string `json:"tempToken"`
		Code      string `json:"code"`
	}
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}

	res, err := a.svc.TwoFactor.VerifyLogin(c.Context(), input.TempToken, input.Code, sessionState(c).Session)
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.signedIn(c, http.StatusOK, res)
}

func (a *Adapter) twoFactorStatus(c fiber.Ctx) error {
	res, err := a.svc.TwoFactor.Status(c.Context(), Principal(c).AccountID)
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, res)
}

func (a *Adapter) twoFactorSetup(c fiber.Ctx) error {
	var input services.SetupInput
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}

	res, err := a.svc.TwoFactor.Setup(c.Context(), Principal(c).AccountID, input)
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, res)
}

func (a *Adapter) twoFactorVerifySetup(c fiber.Ctx) error {
	var input struct {
		SetupToken string `json:"setupToken"`
		Code       string `json:"code"`
	}
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}

	res, err := a.svc.TwoFactor.VerifySetup(c.Context(), Principal(c).AccountID, input.SetupToken, input.Code)
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, res)
}

func (a *Adapter) twoFactorBackupCodes(c fiber.Ctx) error {
	var input struct {
		Password *string `json:"password"`
	}
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}

	codes, err := a.svc.TwoFactor.GenerateBackupCodes(c.Context(), Principal(c).AccountID, input.Password)
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, fiber.Map{"backupCodes": codes})
}

// resolveSession checks the session against the store and rewrites the
// cookie when accounts were pruned or the token was unreadable.
func (a *Adapter) resolveSession(c fiber.Ctx) (core.SessionState, *core.ResolvedSession, error) {
	st := sessionState(c)

	resolved, err := a.svc.Sessions.ResolveSession(c.Context(), st.Session)
	if err != nil {
		return st, nil, err
	}

	switch {
	case st.HasSession && !st.IsValid:
		a.cookies.clear(c, core.SessionCookieName)
	case resolved.Changed:
		if err := a.writeSession(c, resolved.Session); err != nil {
			return st, nil, err
		}
	}
	return st, resolved, nil
}

func (a *Adapter) getSession(c fiber.Ctx) error {
	st, resolved, err := a.resolveSession(c)
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, fiber.Map{
		"hasSession":       st.HasSession,
		"isValid":          st.IsValid,
		"accountIds":       resolved.Session.AccountIDs,
		"currentAccountId": resolved.Session.CurrentAccountID,
		"accounts":         resolved.Accounts,
	})
}

func (a *Adapter) listSessionAccounts(c fiber.Ctx) error {
	_, resolved, err := a.resolveSession(c)
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, resolved.Accounts)
}

func (a *Adapter) getSessionAccount(c fiber.Ctx) error {
	res, err := a.svc.Sessions.SessionAccount(c.Context(), sessionState(c).Session, c.Params("accountId"))
	if err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, res)
}

func (a *Adapter) setCurrentAccount(c fiber.Ctx) error {
	var input struct {
		AccountID *string `json:"accountId"`
	}
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}

	s, err := a.svc.Sessions.SetCurrentAccount(sessionState(c).Session, input.AccountID)
	if err != nil {
		return a.resp.fail(c, err)
	}
	if err := a.writeSession(c, s); err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, s)
}

// addSessionAccount adds an account the browser already holds a valid
// access token for.
func (a *Adapter) addSessionAccount(c fiber.Ctx) error {
	var input struct {
		AccountID    string `json:"accountId"`
		SetAsCurrent bool   `json:"setAsCurrent"`
	}
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}
	if input.AccountID == "" {
		return a.resp.fail(c, core.ValidationField("accountId", "Account ID is required"))
	}

	token := services.ExtractToken(c.Cookies(core.AccessCookieName(input.AccountID)), c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return a.resp.fail(c, core.ErrUnauthenticated)
	}
	if _, err := a.svc.Tokens.VerifyAccessToken(token, input.AccountID); err != nil {
		return a.resp.fail(c, err)
	}
	if _, err := a.svc.Store.GetAccountByID(c.Context(), input.AccountID); err != nil {
		return a.resp.fail(c, err)
	}

	s := a.svc.Sessions.AddAccount(sessionState(c).Session, input.AccountID, input.SetAsCurrent)
	if err := a.writeSession(c, s); err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, s)
}

func (a *Adapter) removeSessionAccount(c fiber.Ctx) error {
	var input struct {
		AccountID string `json:"accountId"`
	}
	if err := bindBody(c, &input); err != nil {
		return a.resp.fail(c, err)
	}
	if input.AccountID == "" {
		return a.resp.fail(c, core.ValidationField("accountId", "Account ID is required"))
	}
	return a.signOut(c, input.AccountID)
}

func (a *Adapter) logoutAccount(c fiber.Ctx) error {
	return a.signOut(c, c.Params("accountId"))
}

// signOut drops one account from the session and clears its cookies.
func (a *Adapter) signOut(c fiber.Ctx, accountID string) error {
	s := a.svc.Sessions.RemoveAccount(sessionState(c).Session, accountID)
	a.cookies.clearTokens(c, accountID)
	if err := a.writeSession(c, s); err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, s)
}

func (a *Adapter) logoutAll(c fiber.Ctx) error {
	for _, id := range sessionState(c).AccountIDs {
		a.cookies.clearTokens(c, id)
	}
	a.cookies.clear(c, core.SessionCookieName)
	return a.resp.ok(c, http.StatusOK, fiber.Map{"message": "Signed out of all accounts"})
}

// refreshToken accepts the refresh token from its cookie or a Bearer
// header and sets a new access cookie.
func (a *Adapter) refreshToken(c fiber.Ctx) error {
	accountID := c.Params("accountId")

	refresh := services.ExtractToken(c.Cookies(core.RefreshCookieName(accountID)), c.Get(fiber.HeaderAuthorization))
	if refresh == "" {
		return a.resp.fail(c, core.ErrUnauthenticated)
	}

	tokens, err := a.svc.Tokens.RefreshAccessToken(c.Context(), accountID, refresh)
	if err != nil {
		if errors.Is(err, core.ErrInvalidToken) {
			a.cookies.clear(c, core.RefreshCookieName(accountID))
		}
		return a.resp.fail(c, err)
	}

	a.cookies.setTokens(c, accountID, tokens)
	return a.resp.ok(c, http.StatusOK, fiber.Map{
		"accountId": accountID,
		"expiresAt": tokens.AccessExpiresAt,
	})
}

func (a *Adapter) revokeOAuth(c fiber.Ctx) error {
	p := Principal(c)
	if p.AccountType != core.AccountTypeOAuth {
		return a.resp.fail(c, core.ErrNotOAuthAccount)
	}

	if err := a.svc.Tokens.Revoke(c.Context(), p.AccountID); err != nil {
		return a.resp.fail(c, err)
	}
	return a.resp.ok(c, http.StatusOK, fiber.Map{"message": "Provider access revoked"})
}
