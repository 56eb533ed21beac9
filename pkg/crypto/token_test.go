package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
)

func TestGenerateToken_CreateToken(t *testing.T) {
	tests := []struct {
		name           string
		byteLength     int
		expectedLength int
	}{
		{name: "zero uses default", byteLength: 0, expectedLength: DefaultTokenLength},
		{name: "negative uses default", byteLength: -10, expectedLength: DefaultTokenLength},
		{name: "16 bytes", byteLength: 16, expectedLength: 16},
		{name: "64 bytes", byteLength: 64, expectedLength: 64},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Act
			token, err := generateToken(test.byteLength)

			// Assert
			if err != nil {
				t.Fatalf("generateToken() error = %v", err)
			}
			decoded, err := base64.RawURLEncoding.DecodeString(token)
			if err != nil {
				t.Fatalf("failed to decode token: %v", err)
			}
			if len(decoded) != test.expectedLength {
				t.Errorf("token length = %d bytes, want %d", len(decoded), test.expectedLength)
			}
			if strings.ContainsAny(token, "+/= ") {
				t.Errorf("token contains URL-unsafe characters: %q", token)
			}
		})
	}
}

// Requirement: the stored hash is the SHA-256 of the returned token
func TestGenerateHashedToken_CreatePair(t *testing.T) {
	// Act
	pair, err := GenerateHashedToken()

	// Assert
	if err != nil {
		t.Fatalf("GenerateHashedToken() error = %v", err)
	}
	if pair.Hash != HashToken(pair.Token) {
		t.Errorf("Hash = %q, want HashToken(Token) = %q", pair.Hash, HashToken(pair.Token))
	}
	if len(pair.Hash) != 64 {
		t.Errorf("len(Hash) = %d, want 64", len(pair.Hash))
	}

	if _, err := GenerateHashedToken(16, 32); err != ErrTooManyArgs {
		t.Errorf("GenerateHashedToken(16, 32) error = %v, want ErrTooManyArgs", err)
	}
}

// Requirement: OAuth states are 32 random bytes rendered as 64 hex characters
func TestRandomHex_StateShape(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Act
			s, err := RandomHex(32)

			// Assert
			if err != nil {
				t.Errorf("RandomHex() error = %v", err)
				return
			}
			if len(s) != 64 {
				t.Errorf("len(RandomHex(32)) = %d, want 64", len(s))
			}
			if _, err := hex.DecodeString(s); err != nil {
				t.Errorf("RandomHex() = %q is not hex", s)
			}

			mu.Lock()
			defer mu.Unlock()
			if seen[s] {
				t.Errorf("RandomHex() repeated %q", s)
			}
			seen[s] = true
		}()
	}
	wg.Wait()
}

// Requirement: a backup batch holds exactly 10 distinct codes with aligned hashes
func TestGenerateBackupCodes_Batch(t *testing.T) {
	// Act
	codes, hashes, err := GenerateBackupCodes()

	// Assert
	if err != nil {
		t.Fatalf("GenerateBackupCodes() error = %v", err)
	}
	if len(codes) != BackupCodeCount || len(hashes) != BackupCodeCount {
		t.Fatalf("got %d codes and %d hashes, want %d", len(codes), len(hashes), BackupCodeCount)
	}

	seen := make(map[string]bool)
	for i, code := range codes {
		if !LooksLikeBackupCode(code) {
			t.Errorf("code %q does not look like a backup code", code)
		}
		if hashes[i] != HashBackupCode(code) {
			t.Errorf("hash %d does not match code %q", i, code)
		}
		if seen[code] {
			t.Errorf("duplicate code %q", code)
		}
		seen[code] = true
	}
}

func TestHashBackupCode_Normalizes(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "lower case", input: "abcd1234"},
		{name: "dashed", input: "ABCD-1234"},
		{name: "spaced", input: " abcd 1234 "},
	}

	want := HashBackupCode("ABCD1234")
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			if got := HashBackupCode(test.input); got != want {
				t.Errorf("HashBackupCode(%q) = %q, want %q", test.input, got, want)
			}
		})
	}
}

func TestLooksLikeBackupCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{code: "123456", want: false},
		{code: "ABCD1234", want: true},
		{code: "abcd-1234", want: true},
		{code: "ZZZZ1234", want: false},
		{code: "", want: false},
	}

	for _, test := range tests {
		if got := LooksLikeBackupCode(test.code); got != test.want {
			t.Errorf("LooksLikeBackupCode(%q) = %v, want %v", test.code, got, test.want)
		}
	}
}
