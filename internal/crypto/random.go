package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GenerateSecureToken creates a cryptographically secure random token.
// Returns a base64 URL-encoded string suitable for use as OAuth state parameters,
// client IDs, session IDs, etc.
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// userCodeAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const userCodeAlphabet = "BCDFGHJKMNPQRSTVWXZ23456789"

// GenerateUserCode creates a short human-readable code in XXXX-XXXX form
// for the device authorization grant.
func GenerateUserCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	code := make([]byte, 9)
	for i, b := range raw {
		pos := i
		if i >= 4 {
			pos++
		}
		code[pos] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	code[4] = '-'
	return string(code), nil
}

// HashClientSecret hashes a client secret using bcrypt.
// This should be used before storing the secret.
func HashClientSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}
