package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Algorithm  = "pbkdf2_sha256"
	pbkdf2Iterations = 100000
	pbkdf2SaltBytes  = 16
	pbkdf2KeyBytes   = 32
)

// HashPassword derives a PBKDF2-SHA256 hash encoded as
// "pbkdf2_sha256$<iterations>$<salt>$<hex>".
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	saltBytes := make([]byte, pbkdf2SaltBytes)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)
	key := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, pbkdf2KeyBytes, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s", pbkdf2Algorithm, pbkdf2Iterations, salt, hex.EncodeToString(key)), nil
}

// VerifyPassword compares a plaintext password against a stored hash in
// constant time.
func VerifyPassword(stored, password string) error {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != pbkdf2Algorithm {
		return ErrInvalidCredentials
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return ErrInvalidCredentials
	}
	salt, expectedHex := parts[2], parts[3]
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return ErrInvalidCredentials
	}
	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, len(expected), sha256.New)
	if subtle.ConstantTimeCompare(key, expected) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// ValidatePasswordPolicy enforces the minimum password requirements: at least
// 8 characters with an upper-case letter, a lower-case letter, a digit and a
// symbol.
func ValidatePasswordPolicy(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: minimum 8 characters", ErrWeakPassword)
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return fmt.Errorf("%w: must mix upper, lower, digit and symbol", ErrWeakPassword)
	}
	return nil
}
