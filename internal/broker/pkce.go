package broker

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceMethodS256 is the only code challenge method this client uses.
// OAuth 2.1 forbids the plain method for capable clients.
const pkceMethodS256 = "S256"

// GenerateState returns a cryptographically random CSRF state token,
// base64url-encoded without padding.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GeneratePKCE returns a PKCE code verifier and its S256 challenge.
// The verifier is 32 random bytes (256 bits) base64url-encoded; the challenge
// is the base64url-encoded SHA256 hash of the verifier string.
func GeneratePKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)

	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}
