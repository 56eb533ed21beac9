package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lborres/accountd/core"
	"github.com/lborres/accountd/pkg/crypto"
)

type LoginInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

type ProfileInput struct {
	FirstName       string  `json:"firstName"`
	LastName        string  `json:"lastName"`
	Username        *string `json:"username"`
	Password        string  `json:"password"`
	ConfirmPassword string  `json:"confirmPassword"`
	AgreeToTerms    bool    `json:"agreeToTerms"`
}

// VerificationRequest is the result of RequestEmailVerification. Token is
// the raw emailed token; it only leaves the service through debug echo.
type VerificationRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
	Token   string `json:"-"`
}

type VerifiedEmail struct {
	Email        string `json:"email"`
	ProfileToken string `json:"profileToken"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

type verificationPayload struct {
	Email       string `json:"email"`
	CallbackURL string `json:"callbackUrl"`
}

type profilePayload struct {
	Email string `json:"email"`
}

// CredentialAuthenticator runs local signup and password login.
type CredentialAuthenticator struct {
	store     core.AccountStore
	ephemeral core.EphemeralStore
	hasher    crypto.PasswordHandler
	tokens    *TokenService
	sessions  *SessionManager
	twofa     *TwoFactorAuthenticator
	lockout   core.LockoutPolicy
	flows     core.FlowConfig
	mail      mailer
	logger    *slog.Logger
	clock     clock

	// dummyHash is verified against when no account matches so unknown
	// identifiers cost the same as wrong passwords.
	dummyHash string
}

type CredentialDeps struct {
	Store     core.AccountStore
	Ephemeral core.EphemeralStore
	Hasher    crypto.PasswordHandler
	Tokens    *TokenService
	Sessions  *SessionManager
	TwoFactor *TwoFactorAuthenticator
	Email     core.EmailSender
	Lockout   core.LockoutPolicy
	Flows     core.FlowConfig
	Logger    *slog.Logger
}

func NewCredentialAuthenticator(d CredentialDeps) (*CredentialAuthenticator, error) {
	dummy, err := d.Hasher.Hash("accountd-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}

	logger := orDiscard(d.Logger)
	return &CredentialAuthenticator{
		store:     d.Store,
		ephemeral: d.Ephemeral,
		hasher:    d.Hasher,
		tokens:    d.Tokens,
		sessions:  d.Sessions,
		twofa:     d.TwoFactor,
		lockout:   d.Lockout.WithDefaults(),
		flows:     d.Flows.WithDefaults(),
		mail:      mailer{sender: d.Email, logger: logger},
		logger:    logger,
		dummyHash: dummy,
	}, nil
}

func verificationKey(token string) string { return "verify:" + crypto.HashToken(token) }
func profileKey(token string) string      { return "profile:" + crypto.HashToken(token) }

// Login authenticates with email or username and password.
func (c *CredentialAuthenticator) Login(ctx context.Context, in LoginInput, session core.Session) (*core.AuthResult, error) {
	// Step 1: Validate input
	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" {
		return nil, core.ValidationField("email", "Email or username is required")
	}
	if in.Password == "" {
		return nil, core.ValidationField("password", "Password is required")
	}

	// Step 2: Find a local account
	a, err := c.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			_, _ = c.hasher.Verify(in.Password, c.dummyHash)
			return nil, core.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if a.AccountType != core.AccountTypeLocal || a.Security.PasswordHash == nil {
		_, _ = c.hasher.Verify(in.Password, c.dummyHash)
		return nil, core.ErrInvalidCredentials
	}

	// Step 3: Refuse while locked, even with the right password
	now := c.clock.now()
	if a.IsLocked(now) {
		return nil, core.ErrAccountLocked
	}

	// Step 4: Check the password
	ok, err := c.hasher.Verify(in.Password, *a.Security.PasswordHash)
	if err != nil {
		return nil, core.ServerError("Internal server error", fmt.Errorf("failed to verify password: %w", err))
	}
	if !ok {
		attempts, lockedUntil, err := c.store.RecordFailedLogin(ctx, a.ID, c.lockout, now)
		if err != nil {
			return nil, fmt.Errorf("failed to record failed login: %w", err)
		}
		if lockedUntil != nil {
			c.logger.Warn("account locked",
				slog.String("account_id", a.ID),
				slog.Int("attempts", attempts),
				slog.Time("locked_until", *lockedUntil))
		}
		return nil, core.ErrInvalidCredentials
	}

	// Step 5: Status gates
	if err := CheckStatus(a); err != nil {
		return nil, err
	}

	// Step 6: Clear any failure history
	if a.Security.FailedLoginAttempts > 0 || a.Security.LockedUntil != nil {
		if err := c.store.ResetFailedLogins(ctx, a.ID); err != nil {
			return nil, fmt.Errorf("failed to reset failed logins: %w", err)
		}
	}

	// Step 7: Step-up when two-factor is on
	if a.Security.TwoFactorEnabled {
		temp, err := c.twofa.IssueTempToken(ctx, a.ID, in.RememberMe)
		if err != nil {
			return nil, err
		}
		return &core.AuthResult{
			AccountID:         a.ID,
			RequiresTwoFactor: true,
			TempToken:         temp,
			Session:           session,
		}, nil
	}

	// Step 8: Hand off to the session
	return establishSession(c.tokens, c.sessions, a, in.RememberMe, session)
}

func (c *CredentialAuthenticator) lookup(ctx context.Context, identifier string) (*core.Account, error) {
	if strings.Contains(identifier, "@") {
		return c.store.GetAccountByEmail(ctx, normalizeEmail(identifier))
	}
	return c.store.GetAccountByUsername(ctx, identifier)
}

// RequestEmailVerification starts local signup by emailing a
// verification link.
func (c *CredentialAuthenticator) RequestEmailVerification(ctx context.Context, email, callbackURL string) (*VerificationRequest, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validateCallbackURL(callbackURL); err != nil {
		return nil, err
	}

	exists, err := c.store.EmailExists(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		return nil, core.ErrEmailTaken
	}

	pair, err := crypto.GenerateHashedToken()
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}
	payload, err := json.Marshal(verificationPayload{Email: email, CallbackURL: callbackURL})
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}
	if err := c.ephemeral.Put(ctx, "verify:"+pair.Hash, payload, c.flows.VerificationTTL); err != nil {
		return nil, fmt.Errorf("failed to store verification token: %w", err)
	}

	c.mail.send(ctx, core.TemplateEmailVerification, email, map[string]string{
		"email":           email,
		"verificationUrl": withQuery(callbackURL, map[string]string{"token": pair.Token}),
		"expiresIn":       c.flows.VerificationTTL.String(),
	})

	return &VerificationRequest{
		Email:   email,
		Message: "Verification email sent",
		Token:   pair.Token,
	}, nil
}

// VerifyEmail redeems a verification token for a profile token.
func (c *CredentialAuthenticator) VerifyEmail(ctx context.Context, token string) (*VerifiedEmail, error) {
	if token == "" {
		return nil, core.ValidationField("token", "Verification token is required")
	}

	raw, err := c.ephemeral.Take(ctx, verificationKey(token))
	if err != nil {
		if errors.Is(err, core.ErrEphemeralNotFound) {
			return nil, core.ErrInvalidToken.WithMessage("Invalid or expired verification token")
		}
		return nil, fmt.Errorf("failed to redeem verification token: %w", err)
	}

	var payload verificationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, core.ServerError("Internal server error", err)
	}

	exists, err := c.store.EmailExists(ctx, payload.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		return nil, core.ErrEmailTaken
	}

	pair, err := crypto.GenerateHashedToken()
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}
	profile, err := json.Marshal(profilePayload{Email: payload.Email})
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}
	if err := c.ephemeral.Put(ctx, "profile:"+pair.Hash, profile, c.flows.ProfileTokenTTL); err != nil {
		return nil, fmt.Errorf("failed to store profile token: %w", err)
	}

	return &VerifiedEmail{Email: payload.Email, ProfileToken: pair.Token, CallbackURL: payload.CallbackURL}, nil
}

// CompleteProfile creates the local account for a verified email. The
// profile token survives validation failures.
func (c *CredentialAuthenticator) CompleteProfile(ctx context.Context, profileToken string, in ProfileInput, session core.Session) (*core.AuthResult, error) {
	// Step 1: The profile token must still be live
	if profileToken == "" {
		return nil, core.ValidationField("token", "Profile token is required")
	}
	raw, err := c.ephemeral.Peek(ctx, profileKey(profileToken))
	if err != nil {
		if errors.Is(err, core.ErrEphemeralNotFound) {
			return nil, core.ErrInvalidToken.WithMessage("Invalid or expired profile token")
		}
		return nil, fmt.Errorf("failed to read profile token: %w", err)
	}
	var payload profilePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, core.ServerError("Internal server error", err)
	}

	// Step 2: Validate the profile
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	if first == "" {
		return nil, core.ValidationField("firstName", "First name is required")
	}
	if last == "" {
		return nil, core.ValidationField("lastName", "Last name is required")
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	if in.Password != in.ConfirmPassword {
		return nil, core.ErrPasswordMismatch
	}
	if !in.AgreeToTerms {
		return nil, core.ErrTermsNotAccepted
	}

	var username *string
	if in.Username != nil && strings.TrimSpace(*in.Username) != "" {
		u := strings.TrimSpace(*in.Username)
		if err := validateUsername(u); err != nil {
			return nil, err
		}
		taken, err := c.store.UsernameExists(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("failed to check username: %w", err)
		}
		if taken {
			return nil, core.ErrUsernameTaken
		}
		username = &u
	}

	// Step 3: Hash the password
	hash, err := c.hasher.Hash(in.Password)
	if err != nil {
		return nil, core.ServerError("Internal server error", fmt.Errorf("failed to hash password: %w", err))
	}

	id, err := crypto.NewID()
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}

	account := &core.Account{
		ID:          id,
		AccountType: core.AccountTypeLocal,
		Status:      core.StatusActive,
		UserDetails: core.UserDetails{
			Name:          first + " " + last,
			FirstName:     first,
			LastName:      last,
			Email:         payload.Email,
			Username:      username,
			EmailVerified: true,
		},
		Security: core.SecuritySettings{PasswordHash: &hash},
	}
	if err := account.Validate(); err != nil {
		return nil, err
	}

	// Step 4: Consume the token, then create the account
	if _, err := c.ephemeral.Take(ctx, profileKey(profileToken)); err != nil {
		return nil, core.ErrInvalidToken.WithMessage("Invalid or expired profile token")
	}
	if err := c.store.CreateAccount(ctx, account); err != nil {
		var domain *core.Error
		if errors.As(err, &domain) {
			return nil, domain
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	c.logger.Info("local account created", slog.String("account_id", account.ID))
	c.mail.send(ctx, core.TemplateWelcome, account.UserDetails.Email, map[string]string{"name": account.UserDetails.Name})

	// Step 5: Sign the new account in
	return establishSession(c.tokens, c.sessions, account, false, session)
}
