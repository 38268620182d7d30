package broker

import (
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"strings"
	"testing"
)

func TestValidateChallengeMethod(t *testing.T) {
	strict := New(nil, Config{})
	lenient := New(nil, Config{AllowPKCEPlain: true})

	if err := strict.validateChallengeMethod(PKCEMethodS256); err != nil {
		t.Errorf("S256 should be supported: %v", err)
	}
	if err := strict.validateChallengeMethod(PKCEMethodPlain); err == nil {
		t.Error("plain should be rejected unless AllowPKCEPlain is set")
	}
	if err := lenient.validateChallengeMethod(PKCEMethodPlain); err != nil {
		t.Errorf("plain should be supported with AllowPKCEPlain: %v", err)
	}
	if err := strict.validateChallengeMethod("S512"); err == nil {
		t.Error("unknown method should be rejected")
	}
	if err := strict.validateChallengeMethod(""); err == nil {
		t.Error("empty method should be rejected")
	}
}

func TestValidatePKCE(t *testing.T) {
	logger := slog.Default()
	verifier := strings.Repeat("a", 43)
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	tests := []struct {
		name       string
		challenge  string
		method     string
		verifier   string
		allowPlain bool
		wantKind   Kind
	}{
		{"valid S256", challenge, PKCEMethodS256, verifier, false, ""},
		{"valid plain", verifier, PKCEMethodPlain, verifier, true, ""},
		{"plain not allowed", verifier, PKCEMethodPlain, verifier, false, KindUnsupportedMethod},
		{"missing verifier", challenge, PKCEMethodS256, "", false, KindVerifierRequired},
		{"unknown method", challenge, "S512", verifier, false, KindUnsupportedMethod},
		{"too short", challenge, PKCEMethodS256, strings.Repeat("a", 42), false, KindInvalidVerifier},
		{"too long", challenge, PKCEMethodS256, strings.Repeat("a", 129), false, KindInvalidVerifier},
		{"invalid characters", challenge, PKCEMethodS256, strings.Repeat("a", 42) + "!", false, KindInvalidVerifier},
		{"wrong verifier", challenge, PKCEMethodS256, strings.Repeat("b", 43), false, KindInvalidVerifier},
		{"plain mismatch", verifier, PKCEMethodPlain, strings.Repeat("b", 43), true, KindInvalidVerifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePKCE(tt.challenge, tt.method, tt.verifier, tt.allowPlain, logger)
			if tt.wantKind == "" {
				if err != nil {
					t.Errorf("expected success, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, err.Kind)
			}
		})
	}
}
