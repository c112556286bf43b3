package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	stateBytes    = 32 // 256 bits
	verifierBytes = 64 // 512 bits
)

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateState returns a single-use CSRF state token.
func GenerateState() (string, error) {
	return randomToken(stateBytes)
}

// GenerateVerifier returns a PKCE code verifier. oauth2.GenerateVerifier
// only yields 256 bits, so the verifier is built here.
func GenerateVerifier() (string, error) {
	return randomToken(verifierBytes)
}

// ChallengeS256 derives the S256 code challenge for a verifier:
// unpadded URL-safe base64 of its SHA-256 digest.
func ChallengeS256(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}
