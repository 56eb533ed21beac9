package accountd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lborres/accountd/core"
	"github.com/lborres/accountd/pkg/cache"
	"github.com/lborres/accountd/pkg/crypto"
	"github.com/lborres/accountd/services"
)

// interfaces
type (
	AccountStore    = core.AccountStore
	EphemeralStore  = core.EphemeralStore
	ProviderAdapter = core.ProviderAdapter
	EmailSender     = core.EmailSender

	PasswordHandler = crypto.PasswordHandler
)

// HTTPAdapter binds the endpoint registry to a web framework.
type HTTPAdapter interface {
	RegisterRoutes(a *Accountd) error
}

// structs
type (
	Account        = core.Account
	AccountSummary = core.AccountSummary
	Session        = core.Session
	Principal      = core.Principal
	TokenConfig    = core.TokenConfig
	FlowConfig     = core.FlowConfig
	LockoutPolicy  = core.LockoutPolicy
	CookieConfig   = core.CookieConfig
	Endpoint       = core.Endpoint
	Error          = core.Error
)

const (
	defaultBasePath  = "/api"
	defaultSecretLen = 32
)

// Constructors & helpers (convenience re-exports)
var (
	NewArgon2            = crypto.NewArgon2
	DefaultTokenConfig   = core.DefaultTokenConfig
	DefaultFlowConfig    = core.DefaultFlowConfig
	DefaultLockoutPolicy = core.DefaultLockoutPolicy
)

var (
	ErrInvalidCredentials = core.ErrInvalidCredentials
	ErrAccountLocked      = core.ErrAccountLocked
	ErrInvalidToken       = core.ErrInvalidToken
	ErrUnauthenticated    = core.ErrUnauthenticated
	ErrAccountNotFound    = core.ErrAccountNotFound
	ErrEmailTaken         = core.ErrEmailTaken
	ErrUsernameTaken      = core.ErrUsernameTaken
)

var (
	ErrStoreRequired       = core.ErrStoreRequired
	ErrHTTPAdapterRequired = core.ErrHTTPAdapterRequired
	ErrSecretRequired      = core.ErrSecretRequired
	ErrSecretTooShort      = core.ErrSecretTooShort
)

type Config struct {
	// Secret signs every token. At least 32 characters.
	Secret   string
	BasePath string

	Store AccountStore
	// Ephemeral holds single-use flow values. Defaults to an in-process
	// store, which only works for a single instance.
	Ephemeral EphemeralStore
	HTTP      HTTPAdapter

	PasswordHasher PasswordHandler
	Providers      []ProviderAdapter
	Email          EmailSender

	Tokens  TokenConfig
	Flows   FlowConfig
	Lockout LockoutPolicy
	Cookies CookieConfig

	// DebugEcho returns emailed tokens in API responses. Development only.
	DebugEcho bool

	// Plugins contribute extra endpoints; the HTTP adapter must have a
	// handler for each of them.
	Plugins []core.EndpointProvider

	Logger *slog.Logger
}

// Accountd is the assembled service graph handed to the HTTP adapter.
type Accountd struct {
	BasePath string

	Store       AccountStore
	Tokens      *services.TokenService
	Sessions    *services.SessionManager
	Credentials *services.CredentialAuthenticator
	TwoFactor   *services.TwoFactorAuthenticator
	OAuth       *services.OAuthOrchestrator
	Providers   *services.ProviderRegistry
	Endpoints   *services.EndpointRegistry

	Cookies   CookieConfig
	DebugEcho bool
	Logger    *slog.Logger
}

func New(config Config) (*Accountd, error) {
	if config.Secret == "" {
		return nil, ErrSecretRequired
	}
	if len(config.Secret) < defaultSecretLen {
		return nil, fmt.Errorf("%w - minimum of %d characters", ErrSecretTooShort, defaultSecretLen)
	}
	if config.Store == nil {
		return nil, ErrStoreRequired
	}
	if config.HTTP == nil {
		return nil, ErrHTTPAdapterRequired
	}

	// Set Defaults

	tokenConfig := config.Tokens.WithDefaults()
	flowConfig := config.Flows.WithDefaults()

	ephemeral := config.Ephemeral
	if ephemeral == nil {
		ephemeral = cache.NewInMemoryStore(cache.Config{
			DefaultTTL: 10 * time.Minute,
			MaxSize:    10000,
		})
	}

	passwordHasher := config.PasswordHasher
	if passwordHasher == nil {
		passwordHasher = crypto.NewArgon2()
	}

	basePath := config.BasePath
	if basePath == "" {
		basePath = defaultBasePath
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoints := services.NewEndpointRegistry()
	for _, p := range config.Plugins {
		if err := endpoints.RegisterPlugin(p.GetEndpoints()); err != nil {
			return nil, err
		}
	}

	signer := services.NewSigner(config.Secret, tokenConfig.Issuer)
	providers := services.NewProviderRegistry(flowConfig.ProviderTimeout, config.Providers...)
	tokens := services.NewTokenService(signer, tokenConfig, config.Store, providers, logger)
	sessions := services.NewSessionManager(signer, tokenConfig.SessionTTL, config.Store, logger)

	twofa := services.NewTwoFactorAuthenticator(services.TwoFactorDeps{
		Store:     config.Store,
		Ephemeral: ephemeral,
		Hasher:    passwordHasher,
		Signer:    signer,
		Tokens:    tokens,
		Sessions:  sessions,
		Email:     config.Email,
		Flows:     flowConfig,
		Logger:    logger,
	})

	credentials, err := services.NewCredentialAuthenticator(services.CredentialDeps{
		Store:     config.Store,
		Ephemeral: ephemeral,
		Hasher:    passwordHasher,
		Tokens:    tokens,
		Sessions:  sessions,
		TwoFactor: twofa,
		Email:     config.Email,
		Lockout:   config.Lockout,
		Flows:     flowConfig,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	oauth := services.NewOAuthOrchestrator(services.OAuthDeps{
		Store:     config.Store,
		Ephemeral: ephemeral,
		Providers: providers,
		Tokens:    tokens,
		Sessions:  sessions,
		TwoFactor: twofa,
		Flows:     flowConfig,
		Logger:    logger,
	})

	a := &Accountd{
		BasePath:    basePath,
		Store:       config.Store,
		Tokens:      tokens,
		Sessions:    sessions,
		Credentials: credentials,
		TwoFactor:   twofa,
		OAuth:       oauth,
		Providers:   providers,
		Endpoints:   endpoints,
		Cookies:     config.Cookies,
		DebugEcho:   config.DebugEcho,
		Logger:      logger,
	}

	if err := config.HTTP.RegisterRoutes(a); err != nil {
		return nil, err
	}

	return a, nil
}
