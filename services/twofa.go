package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/lborres/accountd/core"
	"github.com/lborres/accountd/pkg/crypto"
)

const qrCodeSize = 200

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

type tempClaims struct {
	RememberMe bool `json:"rememberMe,omitempty"`
	jwt.RegisteredClaims
}

type setupPayload struct {
	AccountID    string   `json:"accountId"`
	Secret       string   `json:"secret"`
	BackupHashes []string `json:"backupHashes"`
}

type TwoFactorStatus struct {
	Enabled          bool `json:"enabled"`
	BackupCodesCount int  `json:"backupCodesCount"`
}

type SetupInput struct {
	EnableTwoFactor *bool   `json:"enableTwoFactor"`
	Password        *string `json:"password"`
}

// SetupResult is returned when enabling. Every secret in it is shown
// exactly once.
type SetupResult struct {
	Enabled     bool     `json:"enabled"`
	Secret      string   `json:"secret,omitempty"`
	OTPAuthURL  string   `json:"otpauthUrl,omitempty"`
	QRCode      string   `json:"qrCode,omitempty"`
	BackupCodes []string `json:"backupCodes,omitempty"`
	SetupToken  string   `json:"setupToken,omitempty"`
}

type TwoFactorAuthenticator struct {
	store     core.AccountStore
	ephemeral core.EphemeralStore
	hasher    crypto.PasswordHandler
	signer    *Signer
	tokens    *TokenService
	sessions  *SessionManager
	flows     core.FlowConfig
	tempTTL   time.Duration
	mail      mailer
	logger    *slog.Logger
	clock     clock
}

type TwoFactorDeps struct {
	Store     core.AccountStore
	Ephemeral core.EphemeralStore
	Hasher    crypto.PasswordHandler
	Signer    *Signer
	Tokens    *TokenService
	Sessions  *SessionManager
	Email     core.EmailSender
	Flows     core.FlowConfig
	Logger    *slog.Logger
}

func NewTwoFactorAuthenticator(d TwoFactorDeps) *TwoFactorAuthenticator {
	logger := orDiscard(d.Logger)
	return &TwoFactorAuthenticator{
		store:     d.Store,
		ephemeral: d.Ephemeral,
		hasher:    d.Hasher,
		signer:    d.Signer,
		tokens:    d.Tokens,
		sessions:  d.Sessions,
		flows:     d.Flows.WithDefaults(),
		tempTTL:   d.Tokens.Config().TempTTL,
		mail:      mailer{sender: d.Email, logger: logger},
		logger:    logger,
	}
}

func setupKey(token string) string { return "setup:" + crypto.HashToken(token) }
func tempKey(jti string) string    { return "temp:" + jti }

func (t *TwoFactorAuthenticator) Status(ctx context.Context, accountID string) (*TwoFactorStatus, error) {
	a, err := t.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &TwoFactorStatus{
		Enabled:          a.Security.TwoFactorEnabled,
		BackupCodesCount: len(a.Security.BackupCodes),
	}, nil
}

// checkPassword gates sensitive changes. OAuth accounts have no password
// and pass.
func (t *TwoFactorAuthenticator) checkPassword(a *core.Account, password *string) error {
	if a.AccountType != core.AccountTypeLocal {
		return nil
	}
	if password == nil || *password == "" {
		return core.ValidationField("password", "Password is required")
	}
	if a.Security.PasswordHash == nil {
		return core.ErrPasswordIncorrect
	}
	ok, err := t.hasher.Verify(*password, *a.Security.PasswordHash)
	if err != nil {
		return core.ServerError("Internal server error", fmt.Errorf("failed to verify password: %w", err))
	}
	if !ok {
		return core.ErrPasswordIncorrect
	}
	return nil
}

// Setup starts enabling two-factor auth, or disables it.
func (t *TwoFactorAuthenticator) Setup(ctx context.Context, accountID string, in SetupInput) (*SetupResult, error) {
	if in.EnableTwoFactor == nil {
		return nil, core.ValidationField("enableTwoFactor", "enableTwoFactor is required")
	}

	a, err := t.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := t.checkPassword(a, in.Password); err != nil {
		return nil, err
	}

	if !*in.EnableTwoFactor {
		return t.disable(ctx, a)
	}
	if a.Security.TwoFactorEnabled {
		return nil, core.ErrTwoFactorAlreadyEnabled
	}

	// Step 1: Generate the TOTP secret
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.flows.TOTPIssuer,
		AccountName: a.UserDetails.Email,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, core.ServerError("Internal server error", fmt.Errorf("failed to generate totp secret: %w", err))
	}

	qr, err := qrDataURL(key)
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}

	// Step 2: Generate the backup code batch
	codes, hashes, err := crypto.GenerateBackupCodes()
	if err != nil {
		return nil, core.ServerError("Internal server error", fmt.Errorf("failed to generate backup codes: %w", err))
	}

	// Step 3: Park everything behind a setup token until verified
	pair, err := crypto.GenerateHashedToken()
	if err != nil {
		return nil, core.ServerError("Internal server error", fmt.Errorf("failed to generate setup token: %w", err))
	}
	payload, err := json.Marshal(setupPayload{AccountID: a.ID, Secret: key.Secret(), BackupHashes: hashes})
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}
	if err := t.ephemeral.Put(ctx, "setup:"+pair.Hash, payload, t.flows.SetupTokenTTL); err != nil {
		return nil, core.ServerError("Internal server error", fmt.Errorf("failed to store setup token: %w", err))
	}

	return &SetupResult{
		Enabled:     false,
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		QRCode:      qr,
		BackupCodes: codes,
		SetupToken:  pair.Token,
	}, nil
}

func (t *TwoFactorAuthenticator) disable(ctx context.Context, a *core.Account) (*SetupResult, error) {
	wasEnabled := a.Security.TwoFactorEnabled
	if err := t.store.DisableTwoFactor(ctx, a.ID); err != nil {
		return nil, fmt.Errorf("failed to disable two-factor: %w", err)
	}
	if wasEnabled {
		t.logger.Info("two-factor disabled", slog.String("account_id", a.ID))
		t.mail.send(ctx, core.TemplateTwoFactorDisabled, a.UserDetails.Email, map[string]string{"name": a.UserDetails.Name})
	}
	return &SetupResult{Enabled: false}, nil
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (t *TwoFactorAuthenticator) validTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, t.clock.now().UTC(), totpOpts)
	return err == nil && ok
}

// VerifySetup confirms the authenticator app and enables two-factor auth.
// A wrong code leaves the setup token usable.
func (t *TwoFactorAuthenticator) VerifySetup(ctx context.Context, accountID, setupToken, code string) (*TwoFactorStatus, error) {
	if setupToken == "" {
		return nil, core.ValidationField("setupToken", "Setup token is required")
	}
	if code == "" {
		return nil, core.ValidationField("code", "Verification code is required")
	}

	raw, err := t.ephemeral.Peek(ctx, setupKey(setupToken))
	if err != nil {
		if errors.Is(err, core.ErrEphemeralNotFound) {
			return nil, core.ErrInvalidSetupToken
		}
		return nil, fmt.Errorf("failed to read setup token: %w", err)
	}

	var payload setupPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.AccountID != accountID {
		return nil, core.ErrInvalidSetupToken
	}

	a, err := t.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Security.TwoFactorEnabled {
		_ = t.ephemeral.Delete(ctx, setupKey(setupToken))
		return nil, core.ErrTwoFactorAlreadyEnabled
	}

	if !t.validTOTP(code, payload.Secret) {
		return nil, core.ErrInvalidTwoFactor
	}

	if _, err := t.ephemeral.Take(ctx, setupKey(setupToken)); err != nil {
		if errors.Is(err, core.ErrEphemeralNotFound) {
			return nil, core.ErrInvalidSetupToken
		}
		return nil, fmt.Errorf("failed to consume setup token: %w", err)
	}

	// The store refuses the write if another setup won the race since the
	// read above.
	if err := t.store.EnableTwoFactor(ctx, accountID, payload.Secret, payload.BackupHashes); err != nil {
		if errors.Is(err, core.ErrTwoFactorAlreadyEnabled) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to enable two-factor: %w", err)
	}

	t.mail.send(ctx, core.TemplateTwoFactorEnabled, a.UserDetails.Email, map[string]string{"name": a.UserDetails.Name})
	t.logger.Info("two-factor enabled", slog.String("account_id", accountID))

	return &TwoFactorStatus{Enabled: true, BackupCodesCount: len(payload.BackupHashes)}, nil
}

// tempEntry is the server-side record of a pending step-up login.
type tempEntry struct {
	AccountID string `json:"accountId"`
	Misses    int    `json:"misses,omitempty"`
}

// IssueTempToken starts a step-up login for an account that passed its
// first factor.
func (t *TwoFactorAuthenticator) IssueTempToken(ctx context.Context, accountID string, rememberMe bool) (string, error) {
	claims := tempClaims{
		RememberMe:       rememberMe,
		RegisteredClaims: t.signer.registered(purposeTemp, accountID, t.tempTTL),
	}
	token, err := t.signer.sign(claims)
	if err != nil {
		return "", core.ServerError("Internal server error", err)
	}
	entry, err := json.Marshal(tempEntry{AccountID: accountID})
	if err != nil {
		return "", core.ServerError("Internal server error", err)
	}
	if err := t.ephemeral.Put(ctx, tempKey(claims.ID), entry, t.tempTTL); err != nil {
		return "", core.ServerError("Internal server error", fmt.Errorf("failed to register temp token: %w", err))
	}
	return token, nil
}

// VerifyLogin completes a step-up login with a TOTP or backup code. Each
// wrong code counts against the temp token, which is spent after
// TwoFactorMaxAttempts misses.
func (t *TwoFactorAuthenticator) VerifyLogin(ctx context.Context, tempToken, code string, session core.Session) (*core.AuthResult, error) {
	if tempToken == "" {
		return nil, core.ValidationField("tempToken", "Temporary token is required")
	}
	if code == "" {
		return nil, core.ValidationField("code", "Verification code is required")
	}

	// Step 1: Verify the temp token and that it is still pending
	var claims tempClaims
	if err := t.signer.parse(tempToken, &claims, purposeTemp); err != nil {
		return nil, core.ErrInvalidTempToken
	}
	if _, err := t.ephemeral.Peek(ctx, tempKey(claims.ID)); err != nil {
		return nil, core.ErrInvalidTempToken
	}

	// Step 2: Load the account
	a, err := t.store.GetAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return nil, core.ErrInvalidTempToken
		}
		return nil, err
	}
	if err := CheckStatus(a); err != nil {
		return nil, err
	}
	if !a.Security.TwoFactorEnabled || a.Security.TwoFactorSecret == nil {
		return nil, core.ErrTwoFactorNotEnabled
	}

	// Step 3: Claim the temp token so concurrent guesses are serialized
	raw, err := t.ephemeral.Take(ctx, tempKey(claims.ID))
	if err != nil {
		return nil, core.ErrInvalidTempToken
	}
	var entry tempEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.AccountID != a.ID {
		return nil, core.ErrInvalidTempToken
	}

	// Step 4: Check the code; the temp token stays spent on success
	if crypto.LooksLikeBackupCode(code) {
		if err := t.redeemBackupCode(ctx, a, code); err != nil {
			if errors.Is(err, core.ErrInvalidTwoFactor) {
				return nil, t.recordMiss(ctx, claims, entry)
			}
			t.restoreTemp(ctx, claims, entry)
			return nil, err
		}
	} else if !t.validTOTP(code, *a.Security.TwoFactorSecret) {
		return nil, t.recordMiss(ctx, claims, entry)
	}

	// Step 5: Hand off to the session
	return establishSession(t.tokens, t.sessions, a, claims.RememberMe, session)
}

// recordMiss counts a wrong code and parks the temp token again unless
// the limit was reached. It always reports ErrInvalidTwoFactor.
func (t *TwoFactorAuthenticator) recordMiss(ctx context.Context, claims tempClaims, entry tempEntry) error {
	entry.Misses++
	if entry.Misses < t.flows.TwoFactorMaxAttempts {
		t.restoreTemp(ctx, claims, entry)
	} else {
		t.logger.Warn("temp token spent after repeated two-factor failures",
			slog.String("account_id", entry.AccountID),
			slog.Int("misses", entry.Misses))
	}
	return core.ErrInvalidTwoFactor
}

func (t *TwoFactorAuthenticator) restoreTemp(ctx context.Context, claims tempClaims, entry tempEntry) {
	if claims.ExpiresAt == nil {
		return
	}
	ttl := claims.ExpiresAt.Time.Sub(t.clock.now())
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := t.ephemeral.Put(ctx, tempKey(claims.ID), raw, ttl); err != nil {
		t.logger.Warn("failed to restore temp token", slog.Any("error", err))
	}
}

// redeemBackupCode consumes a matching backup code. A code that is not in
// the set, or that a concurrent login consumed first, is ErrInvalidTwoFactor.
func (t *TwoFactorAuthenticator) redeemBackupCode(ctx context.Context, a *core.Account, code string) error {
	hash := crypto.HashBackupCode(code)
	if !slices.Contains(a.Security.BackupCodes, hash) {
		return core.ErrInvalidTwoFactor
	}

	consumed, err := t.store.ConsumeBackupCode(ctx, a.ID, hash)
	if err != nil {
		return fmt.Errorf("failed to consume backup code: %w", err)
	}
	if !consumed {
		return core.ErrInvalidTwoFactor
	}
	t.logger.Info("backup code used", slog.String("account_id", a.ID))
	return nil
}

// GenerateBackupCodes replaces the account's batch and returns the new
// codes once.
func (t *TwoFactorAuthenticator) GenerateBackupCodes(ctx context.Context, accountID string, password *string) ([]string, error) {
	a, err := t.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := t.checkPassword(a, password); err != nil {
		return nil, err
	}
	if !a.Security.TwoFactorEnabled {
		return nil, core.ErrTwoFactorNotEnabled
	}

	codes, hashes, err := crypto.GenerateBackupCodes()
	if err != nil {
		return nil, core.ServerError("Internal server error", fmt.Errorf("failed to generate backup codes: %w", err))
	}
	if err := t.store.ReplaceBackupCodes(ctx, accountID, hashes); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}

	t.mail.send(ctx, core.TemplateBackupCodes, a.UserDetails.Email, map[string]string{"name": a.UserDetails.Name})
	return codes, nil
}

// establishSession issues tokens and adds the account to the session as
// the current account.
func establishSession(tokens *TokenService, sessions *SessionManager, a *core.Account, rememberMe bool, session core.Session) (*core.AuthResult, error) {
	issued, err := tokens.IssueTokens(a, rememberMe)
	if err != nil {
		return nil, core.ServerError("Internal server error", err)
	}
	return &core.AuthResult{
		AccountID: a.ID,
		Name:      a.UserDetails.Name,
		Session:   sessions.AddAccount(session, a.ID, true),
		Tokens:    issued,
	}, nil
}
