package core

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for transport mapping.
type Kind string

const (
	KindValidation Kind = "ValidationError" // 400 Bad Request
	KindAuth       Kind = "AuthError"       // 401 Unauthorized
	KindNotFound   Kind = "NotFoundError"   // 404 Not Found
	KindConflict   Kind = "ConflictError"   // 409 Conflict
	KindProvider   Kind = "ProviderError"   // 502 Bad Gateway
	KindServer     Kind = "ServerError"     // 500 Internal Server Error
)

// Error is the domain error returned by every service.
//
// Message is safe to show to clients. Cause is for logs only.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code so wrapped copies of a sentinel still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	out := *e
	out.Cause = cause
	return &out
}

// WithMessage returns a copy of e with a different client message.
func (e *Error) WithMessage(message string) *Error {
	out := *e
	out.Message = message
	return &out
}

// ValidationField reports a missing or malformed input field.
func ValidationField(field, message string) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: message, Field: field}
}

func ProviderError(message string, cause error) *Error {
	return &Error{Kind: KindProvider, Code: "PROVIDER_ERROR", Message: message, Cause: cause}
}

func ServerError(message string, cause error) *Error {
	return &Error{Kind: KindServer, Code: "INTERNAL_ERROR", Message: message, Cause: cause}
}

// AsError extracts the domain error from err. Anything that is not a
// domain error is reported as a server error wrapping it.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ServerError("Internal server error", err)
}

// Validation errors (400)
var (
	ErrInvalidEmail          = &Error{Kind: KindValidation, Code: "INVALID_EMAIL", Message: "Invalid email address", Field: "email"}
	ErrInvalidCallbackURL    = &Error{Kind: KindValidation, Code: "INVALID_CALLBACK_URL", Message: "Invalid callback URL", Field: "callbackUrl"}
	ErrPasswordTooShort      = &Error{Kind: KindValidation, Code: "PASSWORD_TOO_SHORT", Message: "Password must be at least 8 characters long", Field: "password"}
	ErrPasswordTooLong       = &Error{Kind: KindValidation, Code: "PASSWORD_TOO_LONG", Message: "Password must be at most 128 characters long", Field: "password"}
	ErrPasswordMismatch      = &Error{Kind: KindValidation, Code: "PASSWORD_MISMATCH", Message: "Passwords do not match", Field: "confirmPassword"}
	ErrTermsNotAccepted      = &Error{Kind: KindValidation, Code: "TERMS_NOT_ACCEPTED", Message: "You must agree to the terms and conditions", Field: "agreeToTerms"}
	ErrInvalidUsername       = &Error{Kind: KindValidation, Code: "INVALID_USERNAME", Message: "Username must be 3-32 letters, digits, dots, dashes or underscores", Field: "username"}
	ErrInvalidScopes         = &Error{Kind: KindValidation, Code: "INVALID_SCOPES", Message: "Invalid scope names", Field: "scopeNames"}
	ErrInvalidProvider       = &Error{Kind: KindValidation, Code: "INVALID_PROVIDER", Message: "Invalid OAuth provider"}
	ErrProviderNotSupported  = &Error{Kind: KindValidation, Code: "PROVIDER_NOT_IMPLEMENTED", Message: "Provider is not implemented yet"}
	ErrInvalidRequestBody    = &Error{Kind: KindValidation, Code: "INVALID_REQUEST", Message: "Invalid request body"}
	ErrTwoFactorNotEnabled   = &Error{Kind: KindValidation, Code: "TWO_FACTOR_NOT_ENABLED", Message: "Two-factor authentication is not enabled"}
	ErrNotOAuthAccount       = &Error{Kind: KindValidation, Code: "NOT_OAUTH_ACCOUNT", Message: "Account is not linked to this OAuth provider"}
	ErrMissingOAuthParameter = &Error{Kind: KindValidation, Code: "MISSING_PARAMETERS", Message: "Missing code or state parameter"}
)

// Authentication errors (401)
var (
	ErrInvalidCredentials = &Error{Kind: KindAuth, Code: "INVALID_CREDENTIALS", Message: "Invalid email/username or password"}
	ErrAccountLocked      = &Error{Kind: KindAuth, Code: "ACCOUNT_LOCKED", Message: "Account is temporarily locked. Please try again later"}
	ErrAccountSuspended   = &Error{Kind: KindAuth, Code: "ACCOUNT_SUSPENDED", Message: "Account has been suspended"}
	ErrAccountInactive    = &Error{Kind: KindAuth, Code: "ACCOUNT_INACTIVE", Message: "Account is inactive"}
	ErrEmailNotVerified   = &Error{Kind: KindAuth, Code: "EMAIL_NOT_VERIFIED", Message: "Please verify your email before logging in"}
	ErrPasswordIncorrect  = &Error{Kind: KindAuth, Code: "PASSWORD_INCORRECT", Message: "Password is incorrect", Field: "password"}
	ErrInvalidToken       = &Error{Kind: KindAuth, Code: "INVALID_TOKEN", Message: "Invalid or expired token"}
	ErrUnauthenticated    = &Error{Kind: KindAuth, Code: "UNAUTHENTICATED", Message: "Authentication required"}
	ErrInvalidTwoFactor   = &Error{Kind: KindAuth, Code: "INVALID_TWO_FACTOR_CODE", Message: "Invalid two-factor code"}
	ErrInvalidSetupToken  = &Error{Kind: KindAuth, Code: "INVALID_SETUP_TOKEN", Message: "Invalid or expired setup token"}
	ErrInvalidTempToken   = &Error{Kind: KindAuth, Code: "INVALID_TEMP_TOKEN", Message: "Invalid or expired temporary token"}
	ErrInvalidState       = &Error{Kind: KindAuth, Code: "INVALID_STATE", Message: "Invalid or expired state parameter"}
	ErrAccountMismatch    = &Error{Kind: KindAuth, Code: "ACCOUNT_MISMATCH", Message: "Provider account does not match the requested account"}
	ErrAccessDenied       = &Error{Kind: KindAuth, Code: "ACCESS_DENIED", Message: "Access was denied at the provider"}
)

// Lookup errors (404)
var (
	ErrAccountNotFound     = &Error{Kind: KindNotFound, Code: "ACCOUNT_NOT_FOUND", Message: "Account not found"}
	ErrUserNotFound        = &Error{Kind: KindNotFound, Code: "USER_NOT_FOUND", Message: "User not found"}
	ErrAccountNotInSession = &Error{Kind: KindNotFound, Code: "ACCOUNT_NOT_IN_SESSION", Message: "Account not in session"}
)

// Conflict errors (409)
var (
	ErrEmailTaken              = &Error{Kind: KindConflict, Code: "EMAIL_TAKEN", Message: "Email is already registered"}
	ErrUserExists              = &Error{Kind: KindConflict, Code: "USER_EXISTS", Message: "User already exists"}
	ErrUsernameTaken           = &Error{Kind: KindConflict, Code: "USERNAME_TAKEN", Message: "Username is already taken", Field: "username"}
	ErrTwoFactorAlreadyEnabled = &Error{Kind: KindConflict, Code: "TWO_FACTOR_ALREADY_ENABLED", Message: "Two-factor authentication is already enabled"}
)

// Provider errors (502)
var (
	ErrCodeExchangeFailed  = &Error{Kind: KindProvider, Code: "CODE_EXCHANGE_FAILED", Message: "Failed to exchange authorization code"}
	ErrProviderUnavailable = &Error{Kind: KindProvider, Code: "PROVIDER_ERROR", Message: "OAuth provider request failed"}
)

// ErrEphemeralNotFound is returned by one-time stores when a key is
// missing, expired or already consumed.
var ErrEphemeralNotFound = errors.New("ephemeral value not found")

// Config errors (server-side configuration)
var (
	ErrStoreRequired       = errors.New("account store is required")
	ErrHTTPAdapterRequired = errors.New("http adapter is required")
	ErrSecretRequired      = errors.New("secret is required")
	ErrSecretTooShort      = errors.New("secret too short")
)
