package broker

import "time"

// DefaultCodeTTL is how long an authorization code stays valid after
// issuance, whether or not the user has approved it.
const DefaultCodeTTL = 10 * time.Minute

// Config holds broker settings.
type Config struct {
	// CodeTTL is the lifetime of issued authorization codes.
	// Defaults to DefaultCodeTTL. The expiry set at issuance is final;
	// approval does not extend it.
	CodeTTL time.Duration

	// RequirePKCE makes the code_challenge parameter mandatory at
	// issuance. When false, requests without a challenge are accepted
	// and the verifier check is skipped at exchange.
	// Default: false
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1
	// Only enable for backward compatibility with legacy clients
	// When false, only S256 method is accepted (secure by default)
	// Default: false
	AllowPKCEPlain bool
}

// applyDefaults fills in zero values.
func (c *Config) applyDefaults() {
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
}
