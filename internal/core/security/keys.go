package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks every API key issued by this service.
const KeyPrefix = "gp_live_"

// prefixLen is how much of a key is stored in clear to help support find it.
const prefixLen = len(KeyPrefix) + 6

// GenerateAPIKey creates a secure random API key and its SHA256 hash.
//
// Returns:
//   - realKey: the key shown to the client once (e.g. "gp_live_abc123...")
//   - keyHash: SHA256 hash to store in the database
func GenerateAPIKey() (string, string, error) {
	// 1. 32 random bytes from crypto/rand
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// 2. Hex + prefix, Stripe style
	realKey := KeyPrefix + hex.EncodeToString(bytes)

	// 3. Only the hash is persisted
	return realKey, HashKey(realKey), nil
}

// HashKey is the lookup form of an API key. We never compare plain text.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// DisplayPrefix is the part of a key that is safe to store and show.
func DisplayPrefix(key string) string {
	if len(key) <= prefixLen {
		return key
	}
	return key[:prefixLen]
}

// LooksLikeKey rejects obviously malformed keys before touching storage.
func LooksLikeKey(key string) bool {
	return strings.HasPrefix(key, KeyPrefix) && len(key) == len(KeyPrefix)+64
}

// ValidateKey checks a provided key against its stored hash in constant time.
func ValidateKey(providedKey, storedHash string) bool {
	computed := HashKey(providedKey)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
