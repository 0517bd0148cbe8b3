package crypto

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey produces a bcrypt hash of an operator API key, suitable for
// storing in configuration instead of the plaintext key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("crypto: hash api key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey reports whether the presented key matches the stored bcrypt
// hash.
func VerifyAPIKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
