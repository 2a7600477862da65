package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// sessionTokenBytes is the entropy of a session bearer token (256 bits).
const sessionTokenBytes = 32

// GenerateSessionToken returns a fresh random bearer token, hex-encoded.
// The raw token is handed to the client once; only HashSessionToken(token) is persisted.
func GenerateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("security: generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSessionToken returns a SHA-256 hash of the session token string, hex-encoded.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// SessionTokenHashEqual performs constant-time comparison of the provided token's hash
// with the stored hash. Empty tokens and empty hashes never match.
func SessionTokenHashEqual(providedToken, storedHash string) bool {
	if providedToken == "" || storedHash == "" {
		return false
	}
	providedHash := HashSessionToken(providedToken)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
