package services

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lborres/accountd/core"
)

// Requirement: login names the missing field.
func TestCredentialAuthenticator_Login_Validation(t *testing.T) {
	tests := []struct {
		name      string
		input     LoginInput
		wantField string
	}{
		{name: "missing identifier", input: LoginInput{Password: testPassword}, wantField: "email"},
		{name: "blank identifier", input: LoginInput{Identifier: "   ", Password: testPassword}, wantField: "email"},
		{name: "missing password", input: LoginInput{Identifier: "alice@example.com"}, wantField: "password"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			h := newHarness(t)

			// Act
			_, err := h.creds.Login(context.Background(), test.input, emptySession())

			// Assert
			e := core.AsError(err)
			assert.Equal(t, core.KindValidation, e.Kind)
			assert.Equal(t, test.wantField, e.Field)
		})
	}
}

// Requirement: an unknown identifier, a wrong password and an oauth
// account all fail with the same generic message.
func TestCredentialAuthenticator_Login_GenericFailure(t *testing.T) {
	h := newHarness(t)
	h.seedLocal(t, "alice@example.com", "alice")
	h.seedOAuth(t, "bob@example.com", nil)

	tests := []struct {
		name  string
		input LoginInput
	}{
		{name: "unknown email", input: LoginInput{Identifier: "nobody@example.com", Password: testPassword}},
		{name: "unknown username", input: LoginInput{Identifier: "nobody", Password: testPassword}},
		{name: "wrong password", input: LoginInput{Identifier: "alice@example.com", Password: "wrong-password"}},
		{name: "oauth account", input: LoginInput{Identifier: "bob@example.com", Password: testPassword}},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Act
			_, err := h.creds.Login(context.Background(), test.input, emptySession())

			// Assert
			require.ErrorIs(t, err, core.ErrInvalidCredentials)
			assert.Equal(t, "Invalid email/username or password", core.AsError(err).Message)
		})
	}
}

// Requirement: a successful login adds the account as current and issues
// tokens, with a refresh token only for remember-me.
func TestCredentialAuthenticator_Login_Success(t *testing.T) {
	tests := []struct {
		name        string
		identifier  string
		rememberMe  bool
		wantRefresh bool
	}{
		{name: "by email", identifier: "alice@example.com"},
		{name: "by email, any case", identifier: "  ALICE@Example.com "},
		{name: "by username", identifier: "alice"},
		{name: "remember me", identifier: "alice", rememberMe: true, wantRefresh: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			h := newHarness(t)
			alice := h.seedLocal(t, "alice@example.com", "alice")
			existing := core.Session{AccountIDs: []string{"other"}, CurrentAccountID: strPtr("other")}

			// Act
			result, err := h.creds.Login(context.Background(), LoginInput{
				Identifier: test.identifier,
				Password:   testPassword,
				RememberMe: test.rememberMe,
			}, existing)

			// Assert
			require.NoError(t, err)
			assert.Equal(t, alice.ID, result.AccountID)
			assert.Equal(t, "Test User", result.Name)
			assert.False(t, result.RequiresTwoFactor)
			assert.Equal(t, []string{"other", alice.ID}, result.Session.AccountIDs)
			assert.Equal(t, alice.ID, *result.Session.CurrentAccountID)
			require.NotNil(t, result.Tokens)
			assert.NotEmpty(t, result.Tokens.AccessToken)
			assert.Equal(t, test.wantRefresh, result.Tokens.RefreshToken != "")
		})
	}
}

// Requirement: status gates apply only after the password is correct.
func TestCredentialAuthenticator_Login_StatusGates(t *testing.T) {
	tests := []struct {
		status  core.AccountStatus
		wantErr error
	}{
		{status: core.StatusSuspended, wantErr: core.ErrAccountSuspended},
		{status: core.StatusUnverified, wantErr: core.ErrEmailNotVerified},
		{status: core.StatusInactive, wantErr: core.ErrAccountInactive},
	}

	for _, test := range tests {
		test := test
		t.Run(string(test.status), func(t *testing.T) {
			// Arrange
			h := newHarness(t)
			h.seedLocal(t, "alice@example.com", "", func(a *core.Account) { a.Status = test.status })
			ctx := context.Background()

			// Act
			_, wrong := h.creds.Login(ctx, LoginInput{Identifier: "alice@example.com", Password: "wrong-password"}, emptySession())
			_, right := h.creds.Login(ctx, LoginInput{Identifier: "alice@example.com", Password: testPassword}, emptySession())

			// Assert
			assert.ErrorIs(t, wrong, core.ErrInvalidCredentials)
			assert.ErrorIs(t, right, test.wantErr)
		})
	}
}

// Requirement: the fifth wrong password locks the account; while locked
// even the right password fails; once the lock expires login works and
// the counter resets.
func TestCredentialAuthenticator_Login_Lockout(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	alice := h.seedLocal(t, "alice@example.com", "")
	wrong := LoginInput{Identifier: "alice@example.com", Password: "wrong-password"}
	right := LoginInput{Identifier: "alice@example.com", Password: testPassword}

	// Act & Assert
	for i := 1; i <= 5; i++ {
		_, err := h.creds.Login(ctx, wrong, emptySession())
		require.ErrorIs(t, err, core.ErrInvalidCredentials, "attempt %d", i)
	}

	stored, err := h.accounts.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Security.FailedLoginAttempts)
	require.NotNil(t, stored.Security.LockedUntil)
	assert.True(t, h.clock.Now().Add(15*time.Minute).Equal(*stored.Security.LockedUntil))

	_, err = h.creds.Login(ctx, right, emptySession())
	assert.ErrorIs(t, err, core.ErrAccountLocked, "right password while locked")

	_, err = h.creds.Login(ctx, wrong, emptySession())
	assert.ErrorIs(t, err, core.ErrAccountLocked, "wrong password while locked")

	h.clock.Advance(15 * time.Minute)

	result, err := h.creds.Login(ctx, right, emptySession())
	require.NoError(t, err)
	assert.Equal(t, alice.ID, result.AccountID)

	stored, err = h.accounts.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Security.FailedLoginAttempts)
	assert.Nil(t, stored.Security.LockedUntil)
}

// Requirement: a wrong password after an expired lock starts a new count.
func TestCredentialAuthenticator_Login_WrongPasswordAfterExpiredLock(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	alice := h.seedLocal(t, "alice@example.com", "")
	wrong := LoginInput{Identifier: "alice@example.com", Password: "wrong-password"}
	for i := 0; i < 5; i++ {
		_, _ = h.creds.Login(ctx, wrong, emptySession())
	}
	h.clock.Advance(16 * time.Minute)

	// Act
	_, err := h.creds.Login(ctx, wrong, emptySession())

	// Assert
	require.ErrorIs(t, err, core.ErrInvalidCredentials)
	stored, err := h.accounts.GetAccountByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Security.FailedLoginAttempts)
	assert.Nil(t, stored.Security.LockedUntil)
}

// Requirement: a failing lockout update is a server error, never a
// silent pass.
func TestCredentialAuthenticator_Login_RecordFailure(t *testing.T) {
	// Arrange
	h := newHarness(t)
	h.seedLocal(t, "alice@example.com", "")
	h.store.recordErr = errors.New("deadlock detected")

	// Act
	_, err := h.creds.Login(context.Background(), LoginInput{Identifier: "alice@example.com", Password: "wrong-password"}, emptySession())

	// Assert
	require.Error(t, err)
	assert.Equal(t, core.KindServer, core.AsError(err).Kind)
}

// Requirement: with two-factor on, login returns a temp token and leaves
// the session alone.
func TestCredentialAuthenticator_Login_RequiresTwoFactor(t *testing.T) {
	// Arrange
	h := newHarness(t)
	alice := h.seedLocal(t, "alice@example.com", "")
	h.enableTwoFactor(t, alice.ID)
	session := core.Session{AccountIDs: []string{"other"}}

	// Act
	result, err := h.creds.Login(context.Background(), LoginInput{Identifier: "alice@example.com", Password: testPassword}, session)

	// Assert
	require.NoError(t, err)
	assert.True(t, result.RequiresTwoFactor)
	assert.NotEmpty(t, result.TempToken)
	assert.Equal(t, alice.ID, result.AccountID)
	assert.Nil(t, result.Tokens)
	assert.Equal(t, session, result.Session)
}

// Requirement: requesting verification validates input, rejects a taken
// email and emails a link carrying the token.
func TestCredentialAuthenticator_RequestEmailVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLocal(t, "taken@example.com", "")

	tests := []struct {
		name     string
		email    string
		callback string
		wantErr  error
		wantKind core.Kind
	}{
		{name: "missing email", email: "", callback: testCallback, wantKind: core.KindValidation},
		{name: "malformed email", email: "not-an-email", callback: testCallback, wantErr: core.ErrInvalidEmail},
		{name: "display name form", email: "Alice <alice@example.com>", callback: testCallback, wantErr: core.ErrInvalidEmail},
		{name: "relative callback", email: "new@example.com", callback: "/done", wantErr: core.ErrInvalidCallbackURL},
		{name: "non-http callback", email: "new@example.com", callback: "javascript:alert(1)", wantErr: core.ErrInvalidCallbackURL},
		{name: "taken email", email: "Taken@Example.com", callback: testCallback, wantErr: core.ErrEmailTaken},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := h.creds.RequestEmailVerification(ctx, test.email, test.callback)

			require.Error(t, err)
			if test.wantErr != nil {
				assert.ErrorIs(t, err, test.wantErr)
			}
			if test.wantKind != "" {
				assert.Equal(t, test.wantKind, core.AsError(err).Kind)
			}
		})
	}

	t.Run("sends the verification link", func(t *testing.T) {
		req, err := h.creds.RequestEmailVerification(ctx, "New@Example.com", testCallback)
		require.NoError(t, err)

		assert.Equal(t, "new@example.com", req.Email)
		assert.NotEmpty(t, req.Token)

		msg, ok := h.mail.last(core.TemplateEmailVerification)
		require.True(t, ok)
		assert.Equal(t, "new@example.com", msg.To)
		link, err := url.Parse(msg.Vars["verificationUrl"])
		require.NoError(t, err)
		assert.Equal(t, req.Token, link.Query().Get("token"))
		assert.Equal(t, "app.example.com", link.Host)
	})
}

// Requirement: email delivery failures never fail the request.
func TestCredentialAuthenticator_RequestEmailVerification_MailFailure(t *testing.T) {
	// Arrange
	h := newHarness(t)
	h.mail.err = errors.New("smtp: 421 service not available")

	// Act
	req, err := h.creds.RequestEmailVerification(context.Background(), "new@example.com", testCallback)

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, req.Token)
}

// Requirement: the whole local signup flow works once and only once.
func TestCredentialAuthenticator_SignupFlow(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	req, err := h.creds.RequestEmailVerification(ctx, "new@example.com", testCallback)
	require.NoError(t, err)

	// Act: verify the email
	verified, err := h.creds.VerifyEmail(ctx, req.Token)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", verified.Email)
	assert.Equal(t, testCallback, verified.CallbackURL)
	assert.NotEmpty(t, verified.ProfileToken)

	_, err = h.creds.VerifyEmail(ctx, req.Token)
	assert.ErrorIs(t, err, core.ErrInvalidToken, "verification token is single use")

	// Act: complete the profile
	profile := ProfileInput{
		FirstName:       "New",
		LastName:        "Person",
		Username:        strPtr("new.person"),
		Password:        "a-long-password",
		ConfirmPassword: "a-long-password",
		AgreeToTerms:    true,
	}
	result, err := h.creds.CompleteProfile(ctx, verified.ProfileToken, profile, emptySession())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "New Person", result.Name)
	assert.Equal(t, []string{result.AccountID}, result.Session.AccountIDs)
	assert.Equal(t, result.AccountID, *result.Session.CurrentAccountID)
	require.NotNil(t, result.Tokens)

	stored, err := h.accounts.GetAccountByID(ctx, result.AccountID)
	require.NoError(t, err)
	assert.Equal(t, core.AccountTypeLocal, stored.AccountType)
	assert.Equal(t, core.StatusActive, stored.Status)
	assert.True(t, stored.UserDetails.EmailVerified)
	assert.Equal(t, "new.person", *stored.UserDetails.Username)

	_, ok := h.mail.last(core.TemplateWelcome)
	assert.True(t, ok, "welcome email sent")

	_, err = h.creds.CompleteProfile(ctx, verified.ProfileToken, profile, emptySession())
	assert.ErrorIs(t, err, core.ErrInvalidToken, "profile token is single use")

	login, err := h.creds.Login(ctx, LoginInput{Identifier: "new.person", Password: "a-long-password"}, emptySession())
	require.NoError(t, err)
	assert.Equal(t, result.AccountID, login.AccountID)
}

// Requirement: an expired verification token fails.
func TestCredentialAuthenticator_VerifyEmail_Expired(t *testing.T) {
	// Arrange
	h := newHarness(t)
	ctx := context.Background()
	req, err := h.creds.RequestEmailVerification(ctx, "new@example.com", testCallback)
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)

	// Act
	_, err = h.creds.VerifyEmail(ctx, req.Token)

	// Assert
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

// Requirement: profile validation failures leave the profile token usable.
func TestCredentialAuthenticator_CompleteProfile_Validation(t *testing.T) {
	valid := func() ProfileInput {
		return ProfileInput{
			FirstName:       "New",
			LastName:        "Person",
			Password:        "a-long-password",
			ConfirmPassword: "a-long-password",
			AgreeToTerms:    true,
		}
	}

	tests := []struct {
		name      string
		mutate    func(*ProfileInput)
		wantErr   error
		wantField string
	}{
		{name: "missing first name", mutate: func(p *ProfileInput) { p.FirstName = " " }, wantField: "firstName"},
		{name: "missing last name", mutate: func(p *ProfileInput) { p.LastName = "" }, wantField: "lastName"},
		{name: "short password", mutate: func(p *ProfileInput) { p.Password, p.ConfirmPassword = "short", "short" }, wantErr: core.ErrPasswordTooShort},
		{name: "mismatched confirmation", mutate: func(p *ProfileInput) { p.ConfirmPassword = "something-else" }, wantErr: core.ErrPasswordMismatch},
		{name: "terms not accepted", mutate: func(p *ProfileInput) { p.AgreeToTerms = false }, wantErr: core.ErrTermsNotAccepted},
		{name: "bad username", mutate: func(p *ProfileInput) { p.Username = strPtr("a b") }, wantErr: core.ErrInvalidUsername},
		{name: "taken username", mutate: func(p *ProfileInput) { p.Username = strPtr("alice") }, wantErr: core.ErrUsernameTaken},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Arrange
			h := newHarness(t)
			ctx := context.Background()
			h.seedLocal(t, "alice@example.com", "alice")
			req, err := h.creds.RequestEmailVerification(ctx, "new@example.com", testCallback)
			require.NoError(t, err)
			verified, err := h.creds.VerifyEmail(ctx, req.Token)
			require.NoError(t, err)

			bad := valid()
			test.mutate(&bad)

			// Act
			_, err = h.creds.CompleteProfile(ctx, verified.ProfileToken, bad, emptySession())

			// Assert
			require.Error(t, err)
			if test.wantErr != nil {
				assert.ErrorIs(t, err, test.wantErr)
			}
			if test.wantField != "" {
				assert.Equal(t, test.wantField, core.AsError(err).Field)
			}

			_, err = h.creds.CompleteProfile(ctx, verified.ProfileToken, valid(), emptySession())
			assert.NoError(t, err, "token survives the failed attempt")
		})
	}
}
