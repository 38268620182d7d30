// Package broker implements the delegated authorization-code flow: short-lived
// single-use codes issued to clients, approved by an authenticated user, and
// exchanged exactly once for a session grant. Codes are bound to the client,
// the redirect URI, and an optional PKCE challenge fixed at issuance.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskplane/mcp-consent/instrumentation"
	"github.com/taskplane/mcp-consent/internal/util"
	"github.com/taskplane/mcp-consent/security"
	"github.com/taskplane/mcp-consent/storage"
)

// codeLogLength is the number of characters to include when logging codes.
const codeLogLength = 8

// Broker issues, approves, and exchanges authorization codes against an
// injected CodeStore.
type Broker struct {
	codes storage.CodeStore

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Auditor records security-relevant events. Optional.
	Auditor *security.Auditor

	cfg Config

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// New creates a broker over the given code store.
func New(codes storage.CodeStore, cfg Config) *Broker {
	cfg.applyDefaults()
	return &Broker{
		codes:  codes,
		Logger: slog.Default(),
		cfg:    cfg,
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the broker.
func (b *Broker) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	b.inst = inst
	b.tracer = inst.Tracer("broker")
}

// IssueRequest carries the client-supplied parameters of an authorization
// request. Scope and State are opaque to the broker and returned unchanged at
// exchange.
type IssueRequest struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string
}

// Grant is the result of a successful exchange, consumed by the session
// minter.
type Grant struct {
	UserID string
	Scope  string
	State  string
}

// Issue creates a new pending authorization code for the request. The code is
// valid for the configured TTL from now; approval does not extend it.
func (b *Broker) Issue(ctx context.Context, req IssueRequest) (*storage.AuthorizationEntry, error) {
	ctx, span := b.startSpan(ctx, "broker.issue",
		attribute.String("client_id", req.ClientID))
	defer span.End()

	if req.ClientID == "" || req.RedirectURI == "" {
		return nil, fmt.Errorf("client_id and redirect_uri are required")
	}
	if req.CodeChallenge == "" {
		if b.cfg.RequirePKCE {
			return nil, fmt.Errorf("code_challenge is required")
		}
		if req.CodeChallengeMethod != "" {
			return nil, fmt.Errorf("code_challenge_method requires a code_challenge")
		}
	} else if err := b.validateChallengeMethod(req.CodeChallengeMethod); err != nil {
		return nil, err
	}

	now := time.Now()
	entry := &storage.AuthorizationEntry{
		Code:                generateAuthorizationCode(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scope:               req.Scope,
		State:               req.State,
		Status:              storage.StatusPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(b.cfg.CodeTTL),
	}

	if err := b.codes.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	b.Logger.Info("Issued authorization code",
		"code_prefix", util.SafeTruncate(entry.Code, codeLogLength),
		"client_id", req.ClientID,
		"challenge_method", req.CodeChallengeMethod,
		"expires_at", entry.ExpiresAt)

	if b.Auditor != nil {
		b.Auditor.LogCodeIssued(req.ClientID)
	}
	if b.inst != nil {
		b.inst.Metrics().RecordCodeIssued(ctx)
	}

	return entry, nil
}

// Peek returns the entry for a code without consuming or mutating it.
// Expired entries read as absent. Used by the consent surface to describe a
// pending authorization to the user.
func (b *Broker) Peek(ctx context.Context, code string) (*storage.AuthorizationEntry, error) {
	return b.codes.Get(ctx, code)
}

// Approve binds an authenticated user to a pending code. It returns true only
// when the code exists, is unexpired, and is still pending; every other case
// returns false without indicating which condition failed. Approving an
// already approved code is a no-op returning false.
func (b *Broker) Approve(ctx context.Context, code, userID string) bool {
	ctx, span := b.startSpan(ctx, "broker.approve")
	defer span.End()

	ok := b.codes.Approve(ctx, code, userID)
	if !ok {
		// Deliberately silent: the caller learns nothing beyond failure.
		b.Logger.Debug("Approval rejected",
			"code_prefix", util.SafeTruncate(code, codeLogLength))
		return false
	}

	b.Logger.Info("Approved authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength))

	if b.Auditor != nil {
		b.Auditor.LogCodeApproved(userID)
	}
	if b.inst != nil {
		b.inst.Metrics().RecordCodeApproved(ctx)
	}

	return true
}

// Exchange validates and consumes an authorization code, returning the grant
// bound to it. Validation and consumption are atomic per code: concurrent
// exchanges of the same code yield exactly one grant, and the losers see
// KindInvalidCode. Any failure after the expiry check leaves the entry in
// place except expiry itself, which deletes it.
//
// Callers must collapse every returned ExchangeError into one generic failure
// response; the kind is for server-side logs and metrics only.
func (b *Broker) Exchange(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*Grant, error) {
	ctx, span := b.startSpan(ctx, "broker.exchange",
		attribute.String("client_id", clientID))
	defer span.End()

	check := func(e *storage.AuthorizationEntry) error {
		if e.Status != storage.StatusApproved {
			return newExchangeError(KindNotApproved,
				fmt.Errorf("authorization code has not been approved"))
		}
		if e.Expired(time.Now()) {
			return newExchangeError(KindExpired, storage.ErrEntryExpired)
		}
		if e.ClientID != clientID {
			return newExchangeError(KindClientMismatch,
				fmt.Errorf("authorization code was issued to a different client"))
		}
		if e.RedirectURI != redirectURI {
			return newExchangeError(KindRedirectMismatch,
				fmt.Errorf("redirect_uri does not match the authorization request"))
		}
		// Codes issued without a challenge are exchanged without a verifier.
		if e.CodeChallenge != "" {
			if pkceErr := validatePKCE(e.CodeChallenge, e.CodeChallengeMethod, codeVerifier, b.cfg.AllowPKCEPlain, b.Logger); pkceErr != nil {
				return pkceErr
			}
		}
		return nil
	}

	entry, err := b.codes.CompareAndDelete(ctx, code, check)
	if err != nil {
		var ee *ExchangeError
		if !errors.As(err, &ee) {
			if errors.Is(err, storage.ErrEntryNotFound) {
				ee = newExchangeError(KindInvalidCode, err)
			} else {
				ee = newExchangeError(KindInvalidCode,
					fmt.Errorf("storage failure during exchange: %w", err))
			}
		}

		// Full detail stays server-side. The HTTP layer returns a generic
		// failure no matter which check rejected the exchange.
		b.Logger.Debug("Exchange rejected",
			"code_prefix", util.SafeTruncate(code, codeLogLength),
			"client_id", clientID,
			"kind", string(ee.Kind))

		if b.Auditor != nil {
			b.Auditor.LogExchangeFailure(clientID, string(ee.Kind))
		}
		if b.inst != nil {
			b.inst.Metrics().RecordExchange(ctx, string(ee.Kind))
		}
		instrumentation.RecordError(span, ee)

		return nil, ee
	}

	b.Logger.Info("Exchanged authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", clientID)

	if b.Auditor != nil {
		b.Auditor.LogCodeExchanged(clientID, entry.UserID)
	}
	if b.inst != nil {
		b.inst.Metrics().RecordExchange(ctx, "success")
	}

	return &Grant{
		UserID: entry.UserID,
		Scope:  entry.Scope,
		State:  entry.State,
	}, nil
}

// SweepExpired removes expired entries from the store immediately, in
// addition to the store's own background sweep. Returns the number removed.
func (b *Broker) SweepExpired(ctx context.Context) int {
	return b.codes.SweepExpired(ctx)
}

// generateAuthorizationCode returns a new high-entropy code. GenerateVerifier
// produces 32 bytes (256 bits) of randomness encoded as base64url.
func generateAuthorizationCode() string {
	return oauth2.GenerateVerifier()
}

func (b *Broker) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if b.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return b.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
