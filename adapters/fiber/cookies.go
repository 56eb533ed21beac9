package fiber

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/accountd/core"
)

// cookieWriter applies the shared cookie policy: httpOnly, path /,
// SameSite=Lax, Secure and Domain from configuration.
type cookieWriter struct {
	cfg        core.CookieConfig
	sessionTTL time.Duration
	now        func() time.Time
}

func (w cookieWriter) set(c fiber.Ctx, name, value string, expires time.Time) {
	maxAge := int(expires.Sub(w.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	c.Cookie(&fiber.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   w.cfg.Domain,
		MaxAge:   maxAge,
		Expires:  expires,
		Secure:   w.cfg.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (w cookieWriter) clear(c fiber.Ctx, name string) {
	c.Cookie(&fiber.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   w.cfg.Domain,
		Expires:  time.Unix(0, 0),
		Secure:   w.cfg.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (w cookieWriter) setSession(c fiber.Ctx, token string) {
	w.set(c, core.SessionCookieName, token, w.now().Add(w.sessionTTL))
}

// setTokens writes the per-account cookies. The refresh cookie is only
// written when a refresh token was issued.
func (w cookieWriter) setTokens(c fiber.Ctx, accountID string, t *core.IssuedTokens) {
	if t == nil {
		return
	}
	if t.AccessToken != "" {
		w.set(c, core.AccessCookieName(accountID), t.AccessToken, t.AccessExpiresAt)
	}
	if t.RefreshToken != "" {
		w.set(c, core.RefreshCookieName(accountID), t.RefreshToken, t.RefreshExpiresAt)
	}
}

func (w cookieWriter) clearTokens(c fiber.Ctx, accountID string) {
	w.clear(c, core.AccessCookieName(accountID))
	w.clear(c, core.RefreshCookieName(accountID))
}
