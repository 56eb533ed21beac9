package services

import (
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lborres/accountd/core"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
)

var (
	usernamePattern  = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)
	scopeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validateEmail accepts a bare RFC 5322 address with a dotted domain.
func validateEmail(email string) error {
	if email == "" {
		return core.ValidationField("email", "Email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return core.ErrInvalidEmail
	}
	at := strings.LastIndex(email, "@")
	if at < 1 || !strings.Contains(email[at+1:], ".") {
		return core.ErrInvalidEmail
	}
	return nil
}

// validateCallbackURL requires an absolute http(s) URL.
func validateCallbackURL(raw string) error {
	if raw == "" {
		return core.ValidationField("callbackUrl", "Callback URL is required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return core.ErrInvalidCallbackURL
	}
	return nil
}

func validatePassword(password string) error {
	if password == "" {
		return core.ValidationField("password", "Password is required")
	}
	n := utf8.RuneCountInString(password)
	if n < minPasswordLength {
		return core.ErrPasswordTooShort
	}
	if n > maxPasswordLength {
		return core.ErrPasswordTooLong
	}
	return nil
}

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return core.ErrInvalidUsername
	}
	return nil
}

// parseScopeNames splits a comma or space separated list of short scope
// names. Every entry must be well formed and the list non-empty.
func parseScopeNames(raw string) ([]string, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil, core.ErrInvalidScopes.WithMessage("At least one scope name is required")
	}

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !scopeNamePattern.MatchString(f) {
			return nil, core.ErrInvalidScopes.WithMessage("Invalid scope name: " + f)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// withQuery appends query parameters to a callback URL, keeping any it
// already carries.
func withQuery(raw string, params map[string]string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
