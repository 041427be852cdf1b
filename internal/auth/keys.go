package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// apiKeyScheme prefixes every generated key so keys are recognisable in
// config files and chat logs without revealing anything.
const apiKeyScheme = "cck_"

// apiKeyPrefixLen is how many characters of the key are kept as a display
// prefix for listing keys without exposing them.
const apiKeyPrefixLen = 12

// GenerateAPIKey returns a fresh plaintext key and its display prefix. The
// plaintext is shown once; only its hash is persisted.
func GenerateAPIKey() (key, prefix string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = apiKeyScheme + hex.EncodeToString(buf)
	return key, key[:apiKeyPrefixLen], nil
}

// HashAPIKey returns the sha256 hex digest used for storage and lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
