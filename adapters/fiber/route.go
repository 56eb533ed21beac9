package fiber

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/accountd"
	"github.com/lborres/accountd/core"
	"github.com/lborres/accountd/services"
)

type Adapter struct {
	app *fiber.App
	svc *accountd.Accountd

	resp    responseBuilder
	cookies cookieWriter

	echo   DebugEcho
	logger *slog.Logger
	extra  map[string]fiber.Handler
	now    func() time.Time
}

var _ accountd.HTTPAdapter = (*Adapter)(nil)

type Option func(*Adapter)

// WithDebugEcho overrides the echo capability chosen from
// accountd.Config.DebugEcho.
func WithDebugEcho(echo DebugEcho) Option {
	return func(a *Adapter) { a.echo = echo }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithHandler binds a handler to a plugin operation ID, or replaces a
// built-in one.
func WithHandler(operationID string, h fiber.Handler) Option {
	return func(a *Adapter) { a.extra[operationID] = h }
}

func New(app *fiber.App, opts ...Option) *Adapter {
	a := &Adapter{app: app, extra: make(map[string]fiber.Handler), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) RegisterRoutes(svc *accountd.Accountd) error {
	a.svc = svc

	if a.logger == nil {
		a.logger = svc.Logger
	}
	if a.echo == nil {
		a.echo = EchoDisabled
		if svc.DebugEcho {
			a.echo = EchoEnabled
		}
	}
	a.resp = responseBuilder{echo: a.echo, logger: a.logger}
	a.cookies = cookieWriter{cfg: svc.Cookies, sessionTTL: svc.Sessions.TTL(), now: a.now}

	handlers := a.handlers()
	for id, h := range a.extra {
		handlers[id] = h
	}

	api := a.app.Group(svc.BasePath, a.loadSession)

	for _, ep := range svc.Endpoints.Endpoints() {
		h, ok := handlers[ep.Metadata.OperationID]
		if !ok {
			return fmt.Errorf("no handler for operation %q (%s %s)", ep.Metadata.OperationID, ep.Method, ep.Path)
		}

		switch {
		case ep.Metadata.Auth == core.AuthAccount && ep.Method == http.MethodGet:
			api.Get(ep.Path, a.requirePrincipal, h)
		case ep.Metadata.Auth == core.AuthAccount && ep.Method == http.MethodPost:
			api.Post(ep.Path, a.requirePrincipal, h)
		case ep.Method == http.MethodGet:
			api.Get(ep.Path, h)
		case ep.Method == http.MethodPost:
			api.Post(ep.Path, h)
		default:
			return fmt.Errorf("unsupported method %s for %s", ep.Method, ep.Path)
		}
	}

	return nil
}

func (a *Adapter) handlers() map[string]fiber.Handler {
	return map[string]fiber.Handler{
		services.OpLogin:                    a.login,
		services.OpRequestEmailVerification: a.requestEmailVerification,
		services.OpVerifyEmail:              a.verifyEmail,
		services.OpCompleteProfile:          a.completeProfile,

		services.OpOAuthSignup:             a.oauthStart(services.PurposeSignup),
		services.OpOAuthSignin:             a.oauthStart(services.PurposeSignin),
		services.OpOAuthPermission:         a.oauthStart(services.PurposePermission),
		services.OpOAuthReauthorize:        a.oauthStart(services.PurposeReauthorize),
		services.OpOAuthCallback:           a.oauthCallback,
		services.OpOAuthPermissionCallback: a.oauthCallback,

		services.OpTwoFactorVerifyLogin: a.twoFactorVerifyLogin,
		services.OpTwoFactorStatus:      a.twoFactorStatus,
		services.OpTwoFactorSetup:       a.twoFactorSetup,
		services.OpTwoFactorVerifySetup: a.twoFactorVerifySetup,
		services.OpTwoFactorBackupCodes: a.twoFactorBackupCodes,

		services.OpGetSession:           a.getSession,
		services.OpListSessionAccounts:  a.listSessionAccounts,
		services.OpGetSessionAccount:    a.getSessionAccount,
		services.OpSetCurrentAccount:    a.setCurrentAccount,
		services.OpAddSessionAccount:    a.addSessionAccount,
		services.OpRemoveSessionAccount: a.removeSessionAccount,
		services.OpLogoutAll:            a.logoutAll,

		services.OpLogoutAccount: a.logoutAccount,
		services.OpRefreshToken:  a.refreshToken,
		services.OpRevokeOAuth:   a.revokeOAuth,
	}
}
