package broker

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// validateChallengeMethod rejects unsupported code_challenge_method values at
// issuance, before an entry is created. The 'plain' method is only supported
// when AllowPKCEPlain is set.
func (b *Broker) validateChallengeMethod(method string) error {
	switch method {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if !b.cfg.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed (only %s is supported for security)", PKCEMethodS256)
		}
		return nil
	default:
		supported := PKCEMethodS256
		if b.cfg.AllowPKCEPlain {
			supported += ", " + PKCEMethodPlain
		}
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: %s)", method, supported)
	}
}

// validatePKCE validates the code verifier against the stored challenge per
// RFC 7636. The returned ExchangeError kind distinguishes a missing verifier,
// an unknown method, and a failed verification.
func validatePKCE(challenge, method, verifier string, allowPlain bool, logger *slog.Logger) *ExchangeError {
	if verifier == "" {
		return newExchangeError(KindVerifierRequired,
			fmt.Errorf("code_verifier is required when code_challenge is present"))
	}

	var computedChallenge string

	switch method {
	case PKCEMethodS256:
		// Recommended: SHA256 hash of verifier
		if err := checkVerifierFormat(verifier); err != nil {
			return newExchangeError(KindInvalidVerifier, err)
		}
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	case PKCEMethodPlain:
		if !allowPlain {
			return newExchangeError(KindUnsupportedMethod,
				fmt.Errorf("'plain' code_challenge_method is not allowed"))
		}
		if err := checkVerifierFormat(verifier); err != nil {
			return newExchangeError(KindInvalidVerifier, err)
		}
		computedChallenge = verifier
		logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")

	default:
		return newExchangeError(KindUnsupportedMethod,
			fmt.Errorf("unsupported code_challenge_method: %s", method))
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return newExchangeError(KindInvalidVerifier,
			fmt.Errorf("code_verifier does not match code_challenge"))
	}

	return nil
}

// checkVerifierFormat enforces the RFC 7636 length and character set rules.
func checkVerifierFormat(verifier string) error {
	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	return nil
}
