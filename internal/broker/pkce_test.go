package broker

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestGenerateStateUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState failed: %v", err)
		}
		if state == "" {
			t.Fatal("GenerateState returned empty string")
		}
		if seen[state] {
			t.Fatalf("GenerateState returned duplicate value: %s", state)
		}
		seen[state] = true
	}
}

func TestGenerateStateIsURLSafe(t *testing.T) {
	state, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState failed: %v", err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(state); err != nil {
		t.Errorf("state is not raw URL-safe base64: %v", err)
	}
}

func TestGeneratePKCEChallengeMatchesVerifier(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}

	hash := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(hash[:])
	if challenge != expected {
		t.Errorf("challenge mismatch: got %s, want %s", challenge, expected)
	}
}

func TestGeneratePKCEVerifierLength(t *testing.T) {
	verifier, _, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}

	// RFC 7636 requires 43-128 characters
	if len(verifier) < 43 || len(verifier) > 128 {
		t.Errorf("verifier length %d outside RFC 7636 bounds [43, 128]", len(verifier))
	}
}

func TestGeneratePKCEUniqueness(t *testing.T) {
	v1, c1, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}
	v2, c2, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}
	if v1 == v2 || c1 == c2 {
		t.Error("consecutive PKCE pairs must differ")
	}
}
