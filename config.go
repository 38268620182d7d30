package consent

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Default rate limit settings for the token and registration endpoints.
const (
	DefaultRateLimitRequestsPerSecond = 10
	DefaultRateLimitBurst             = 20
)

// Config holds consent service configuration.
type Config struct {
	// Issuer is the public base URL of this service. Required.
	Issuer string

	// ConsentURL is where the authorization endpoint sends the user agent
	// to approve or ignore a pending code. Defaults to Issuer + "/consent".
	ConsentURL string

	// UserFromRequest resolves the authenticated user on consent approval
	// requests. The embedding application supplies this from its own
	// session mechanism. Required.
	UserFromRequest func(r *http.Request) (string, error)

	// RegistrationAccessToken, when set, is required as a Bearer token on
	// client registration requests. Empty means open registration.
	RegistrationAccessToken string

	// TrustProxy enables X-Forwarded-For and X-Real-IP parsing. Only set
	// this behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is how many proxies to trust from the right of
	// X-Forwarded-For.
	TrustedProxyCount int

	// RateLimitRequestsPerSecond and RateLimitBurst configure the per-IP
	// limiter applied to every endpoint.
	RateLimitRequestsPerSecond int
	RateLimitBurst             int

	// RequirePKCE makes code_challenge mandatory on authorization
	// requests. Off by default; clients that send a challenge are still
	// held to it at exchange.
	RequirePKCE bool

	// AllowPKCEPlain allows the insecure 'plain' code_challenge_method.
	// Only enable for backward compatibility with legacy clients.
	AllowPKCEPlain bool

	// EnableAuditLog turns on the security audit log.
	EnableAuditLog bool

	// CodeTTL is passed to the broker. Zero means the broker default.
	CodeTTL time.Duration

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// applySecureDefaults validates the config and fills in safe defaults.
func (c *Config) applySecureDefaults() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	issuerURL, err := url.Parse(c.Issuer)
	if err != nil || (issuerURL.Scheme != "http" && issuerURL.Scheme != "https") {
		return fmt.Errorf("issuer must be a valid http or https URL")
	}
	if c.UserFromRequest == nil {
		return fmt.Errorf("UserFromRequest is required")
	}
	if c.ConsentURL == "" {
		c.ConsentURL = c.Issuer + "/consent"
	}
	if c.RateLimitRequestsPerSecond <= 0 {
		c.RateLimitRequestsPerSecond = DefaultRateLimitRequestsPerSecond
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
