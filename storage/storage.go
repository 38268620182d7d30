// Package storage defines the persistence interfaces for the consent broker:
// pending authorization entries and registered MCP clients.
//
// The only shared mutable state in the broker is the code store. Its contract
// requires per-code serialization of mutations so that two concurrent exchange
// attempts for the same code can never both succeed, while operations on
// different codes do not contend with each other.
package storage

import (
	"context"
	"errors"
	"time"
)

// Entry status values. A consumed entry is never stored - consumption deletes
// the entry atomically, so observers only ever see pending or approved.
type Status string

const (
	// StatusPending is the initial status set at issuance.
	StatusPending Status = "pending"

	// StatusApproved is set once, when a user approves the request.
	StatusApproved Status = "approved"
)

// Sentinel errors returned by code store implementations.
var (
	// ErrEntryNotFound indicates the code is unknown or already consumed.
	ErrEntryNotFound = errors.New("authorization entry not found")

	// ErrEntryExpired indicates the entry exists but its ExpiresAt has passed.
	// When a CompareAndDelete check returns an error wrapping this sentinel,
	// the store deletes the entry before reporting the failure.
	ErrEntryExpired = errors.New("authorization entry expired")

	// ErrClientNotFound indicates no client is registered under the given ID.
	ErrClientNotFound = errors.New("client not found")
)

// AuthorizationEntry is a single-use authorization code and everything it was
// bound to at issuance. Entries live for a fixed TTL; ExpiresAt is immutable.
type AuthorizationEntry struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string // opaque passthrough, not validated here
	State               string // opaque passthrough, not validated here
	UserID              string // set if and only if Status == StatusApproved
	Status              Status
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Expired reports whether the entry's lifetime has passed at the given time.
func (e *AuthorizationEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// CodeStore persists authorization entries keyed by code.
//
// Implementations must serialize mutations per code: Approve and
// CompareAndDelete for the same code must execute their read-check-write
// sequence as one critical section. Reads treat expired entries as absent
// (lazy expiry); SweepExpired physically removes them (eager sweep).
type CodeStore interface {
	// Insert stores a new pending entry. Codes carry >=256 bits of entropy,
	// so collisions are not checked.
	Insert(ctx context.Context, entry *AuthorizationEntry) error

	// Get returns a copy of the entry for the given code, or ErrEntryNotFound
	// if the code is unknown, consumed, or expired.
	Get(ctx context.Context, code string) (*AuthorizationEntry, error)

	// Approve atomically transitions a pending entry to approved and attaches
	// the user ID. It returns false for any anomaly - unknown code, expired
	// entry, or an entry that is not pending - without distinguishing them.
	Approve(ctx context.Context, code, userID string) bool

	// CompareAndDelete atomically validates and consumes an entry. The check
	// function runs inside the entry's critical section and must not retain
	// or mutate the entry:
	//
	//   - check returns nil: the entry is deleted and returned (consumed).
	//   - check returns an error wrapping ErrEntryExpired: the entry is
	//     deleted and the error is returned.
	//   - check returns any other error: the entry is left untouched and the
	//     error is returned.
	//
	// An unknown or already-consumed code yields ErrEntryNotFound; a
	// concurrent loser therefore observes the code as gone, never as a
	// validation failure.
	CompareAndDelete(ctx context.Context, code string, check func(*AuthorizationEntry) error) (*AuthorizationEntry, error)

	// SweepExpired removes every entry whose ExpiresAt has passed, regardless
	// of status, and returns the number of entries removed. At most one sweep
	// runs at a time; concurrent calls return 0 immediately.
	SweepExpired(ctx context.Context) int
}

// Client is a registered MCP client permitted to request authorization.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	ClientType       string // "public" or "confidential"
	RedirectURIs     []string
	ClientName       string
	CreatedAt        time.Time
}

// ClientStore manages registered MCP clients.
type ClientStore interface {
	// SaveClient stores a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}
