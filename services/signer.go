package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenPurpose is carried as the JWT audience so a token minted for one
// purpose never verifies as another.
type tokenPurpose string

const (
	purposeSession tokenPurpose = "session"
	purposeAccess  tokenPurpose = "access"
	purposeRefresh tokenPurpose = "refresh"
	purposeTemp    tokenPurpose = "2fa-pending"
)

var errTokenRejected = errors.New("token rejected")

// Signer mints and verifies the HS256 tokens shared by the session
// manager, the token service and the two-factor authenticator.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewSigner(secret, issuer string) *Signer {
	return &Signer{key: []byte(secret), issuer: issuer, now: time.Now}
}

// WithClock overrides the signer's clock. Tests only.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

func (s *Signer) registered(purpose tokenPurpose, subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{string(purpose)},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// parse verifies signature, expiry, issuer and purpose into claims.
func (s *Signer) parse(tokenString string, claims jwt.Claims, purpose tokenPurpose) error {
	if tokenString == "" {
		return errTokenRejected
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(string(purpose)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errTokenRejected, err)
	}
	if !token.Valid {
		return errTokenRejected
	}
	return nil
}
