// Package security provides security features for the consent service
// including rate limiting, audit logging, request IDs, client IP extraction,
// and secure header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs the issuance of an authorization code
func (a *Auditor) LogCodeIssued(clientID string) {
	a.LogEvent(Event{
		Type:     "code_issued",
		ClientID: clientID,
	})
}

// LogCodeApproved logs a user approving an authorization code
func (a *Auditor) LogCodeApproved(userID string) {
	a.LogEvent(Event{
		Type:   "code_approved",
		UserID: userID,
	})
}

// LogCodeExchanged logs a successful code exchange
func (a *Auditor) LogCodeExchanged(clientID, userID string) {
	a.LogEvent(Event{
		Type:     "code_exchanged",
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogExchangeFailure logs a rejected code exchange with its rejection kind
func (a *Auditor) LogExchangeFailure(clientID, kind string) {
	a.LogEvent(Event{
		Type:     "exchange_failure",
		ClientID: clientID,
		Details: map[string]any{
			"kind": kind,
		},
	})
}

// LogSessionMinted logs the minting of a session token after an exchange
func (a *Auditor) LogSessionMinted(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      "session_minted",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      "client_registered",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
