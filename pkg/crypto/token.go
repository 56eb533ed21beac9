package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrTooManyArgs = errors.New("too many arguments. expected only 1")
)

const (
	DefaultTokenLength = 32 // 256 bits

	BackupCodeCount  = 10
	backupCodeLength = 4 // bytes, rendered as 8 hex characters
)

type TokenPair struct {
	Token string // value returned to client
	Hash  string // value in storage
}

func generateToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		byteLength = DefaultTokenLength
	}

	bytes := make([]byte, byteLength)

	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateHashedToken returns an opaque URL-safe token and the hash it is
// stored under, so a leaked store never yields usable tokens.
func GenerateHashedToken(byteLength ...int) (*TokenPair, error) {
	if len(byteLength) > 1 {
		return nil, ErrTooManyArgs
	}

	length := DefaultTokenLength

	if len(byteLength) > 0 && byteLength[0] > 0 {
		length = byteLength[0]
	}

	token, err := generateToken(length)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		Token: token,
		Hash:  HashToken(token),
	}, nil
}

// RandomHex returns byteLen random bytes hex encoded (2*byteLen chars).
func RandomHex(byteLen int) (string, error) {
	if byteLen <= 0 {
		byteLen = DefaultTokenLength
	}

	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GenerateBackupCodes returns a fresh batch of BackupCodeCount codes and
// their hashes, index aligned.
func GenerateBackupCodes() (codes []string, hashes []string, err error) {
	codes = make([]string, 0, BackupCodeCount)
	hashes = make([]string, 0, BackupCodeCount)
	seen := make(map[string]struct{}, BackupCodeCount)

	for len(codes) < BackupCodeCount {
		raw, err := RandomHex(backupCodeLength)
		if err != nil {
			return nil, nil, err
		}
		code := strings.ToUpper(raw)
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
		hashes = append(hashes, HashBackupCode(code))
	}

	return codes, hashes, nil
}

// HashBackupCode normalizes user input (case, spaces, dashes) before
// hashing so "abcd-1234" matches "ABCD1234".
func HashBackupCode(code string) string {
	return HashToken(NormalizeBackupCode(code))
}

func NormalizeBackupCode(code string) string {
	r := strings.NewReplacer(" ", "", "-", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(code)))
}

// LooksLikeBackupCode reports whether code has the shape of a backup code
// rather than a 6 digit TOTP code.
func LooksLikeBackupCode(code string) bool {
	n := NormalizeBackupCode(code)
	if len(n) != backupCodeLength*2 {
		return false
	}
	_, err := hex.DecodeString(n)
	return err == nil
}
