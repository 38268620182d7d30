package broker

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/taskplane/mcp-consent/storage"
	"github.com/taskplane/mcp-consent/storage/memory"
)

func newTestBroker(t *testing.T, cfg Config) (*Broker, *memory.Store) {
	t.Helper()
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	return New(store, cfg), store
}

func s256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func issueRequest(challenge, method string) IssueRequest {
	return IssueRequest{
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scope:               "tasks:read",
		State:               "abc123",
	}
}

func TestIssue(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	entry, err := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if len(entry.Code) < 43 {
		t.Errorf("code too short for 256 bits of entropy: %d chars", len(entry.Code))
	}
	if entry.Status != storage.StatusPending {
		t.Errorf("expected pending, got %s", entry.Status)
	}
	if entry.UserID != "" {
		t.Error("pending entry must not carry a user")
	}

	wantExpiry := entry.CreatedAt.Add(DefaultCodeTTL)
	if !entry.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected expiry %v, got %v", wantExpiry, entry.ExpiresAt)
	}

	// Codes are unique across issuances.
	entry2, err := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if entry2.Code == entry.Code {
		t.Error("two issuances produced the same code")
	}
}

func TestIssueValidation(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  IssueRequest
	}{
		{"missing client", IssueRequest{RedirectURI: "https://a", CodeChallenge: "c", CodeChallengeMethod: "S256"}},
		{"missing redirect", IssueRequest{ClientID: "c1", CodeChallenge: "c", CodeChallengeMethod: "S256"}},
		{"method without challenge", IssueRequest{ClientID: "c1", RedirectURI: "https://a", CodeChallengeMethod: "S256"}},
		{"bad method", issueRequest("challenge", "S512")},
		{"plain not enabled", issueRequest("challenge-value-that-is-long-enough-for-rfc-7636", PKCEMethodPlain)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Issue(ctx, tt.req); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFullFlowS256(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	entry, err := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if !b.Approve(ctx, entry.Code, "user-42") {
		t.Fatal("Approve failed")
	}

	grant, err := b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if grant.UserID != "user-42" {
		t.Errorf("expected user-42, got %s", grant.UserID)
	}
	if grant.Scope != "tasks:read" {
		t.Errorf("scope must pass through unchanged, got %s", grant.Scope)
	}
	if grant.State != "abc123" {
		t.Errorf("state must pass through unchanged, got %s", grant.State)
	}
}

func TestFullFlowPlain(t *testing.T) {
	b, _ := newTestBroker(t, Config{AllowPKCEPlain: true})
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	entry, err := b.Issue(ctx, issueRequest(verifier, PKCEMethodPlain))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	b.Approve(ctx, entry.Code, "user-1")

	if _, err := b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", verifier); err != nil {
		t.Fatalf("Exchange with plain method failed: %v", err)
	}
}

func TestFullFlowWithoutChallenge(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	entry, err := b.Issue(ctx, issueRequest("", ""))
	if err != nil {
		t.Fatalf("Issue without code_challenge failed: %v", err)
	}
	if entry.CodeChallenge != "" || entry.CodeChallengeMethod != "" {
		t.Errorf("entry must record no challenge, got %q/%q", entry.CodeChallenge, entry.CodeChallengeMethod)
	}
	if entry.Status != storage.StatusPending {
		t.Errorf("expected pending, got %s", entry.Status)
	}

	if !b.Approve(ctx, entry.Code, "user-7") {
		t.Fatal("Approve failed")
	}

	grant, err := b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", "")
	if err != nil {
		t.Fatalf("Exchange without verifier failed: %v", err)
	}
	if grant.UserID != "user-7" {
		t.Errorf("expected user-7, got %s", grant.UserID)
	}
}

func TestExchangeIgnoresVerifierWithoutChallenge(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	entry, err := b.Issue(ctx, issueRequest("", ""))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	b.Approve(ctx, entry.Code, "user-1")

	// A stray verifier has nothing to verify against and is not an error.
	if _, err := b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", oauth2.GenerateVerifier()); err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
}

func TestIssueRequirePKCE(t *testing.T) {
	b, _ := newTestBroker(t, Config{RequirePKCE: true})
	ctx := context.Background()

	if _, err := b.Issue(ctx, issueRequest("", "")); err == nil {
		t.Error("expected error when code_challenge is required")
	}

	verifier := oauth2.GenerateVerifier()
	if _, err := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256)); err != nil {
		t.Errorf("Issue with challenge failed: %v", err)
	}
}

func TestExchangeOneTimeUse(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	entry, _ := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256))
	b.Approve(ctx, entry.Code, "user-1")

	if _, err := b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", verifier); err != nil {
		t.Fatalf("first Exchange failed: %v", err)
	}

	_, err := b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", verifier)
	if ExchangeKind(err) != KindInvalidCode {
		t.Errorf("expected invalid_code on reuse, got %v", err)
	}
}

func TestExchangeRejections(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	otherVerifier := oauth2.GenerateVerifier()

	newApproved := func(t *testing.T) string {
		t.Helper()
		entry, err := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256))
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if !b.Approve(ctx, entry.Code, "user-1") {
			t.Fatal("Approve failed")
		}
		return entry.Code
	}

	t.Run("unknown code", func(t *testing.T) {
		_, err := b.Exchange(ctx, "no-such-code", "client-1", "https://app.example.com/callback", verifier)
		if ExchangeKind(err) != KindInvalidCode {
			t.Errorf("expected invalid_code, got %v", err)
		}
	})

	t.Run("not approved", func(t *testing.T) {
		entry, _ := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256))
		_, err := b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", verifier)
		if ExchangeKind(err) != KindNotApproved {
			t.Errorf("expected not_approved, got %v", err)
		}
		// The entry survives a premature exchange.
		if !b.Approve(ctx, entry.Code, "user-1") {
			t.Error("entry should still be approvable after premature exchange")
		}
	})

	t.Run("client mismatch", func(t *testing.T) {
		code := newApproved(t)
		_, err := b.Exchange(ctx, code, "client-other", "https://app.example.com/callback", verifier)
		if ExchangeKind(err) != KindClientMismatch {
			t.Errorf("expected client_mismatch, got %v", err)
		}
		// A mismatch does not consume the code.
		if _, err := b.Exchange(ctx, code, "client-1", "https://app.example.com/callback", verifier); err != nil {
			t.Errorf("code should remain usable after a failed binding check: %v", err)
		}
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		code := newApproved(t)
		_, err := b.Exchange(ctx, code, "client-1", "https://evil.example.com/callback", verifier)
		if ExchangeKind(err) != KindRedirectMismatch {
			t.Errorf("expected redirect_mismatch, got %v", err)
		}
	})

	t.Run("verifier required", func(t *testing.T) {
		code := newApproved(t)
		_, err := b.Exchange(ctx, code, "client-1", "https://app.example.com/callback", "")
		if ExchangeKind(err) != KindVerifierRequired {
			t.Errorf("expected verifier_required, got %v", err)
		}
	})

	t.Run("wrong verifier", func(t *testing.T) {
		code := newApproved(t)
		_, err := b.Exchange(ctx, code, "client-1", "https://app.example.com/callback", otherVerifier)
		if ExchangeKind(err) != KindInvalidVerifier {
			t.Errorf("expected invalid_verifier, got %v", err)
		}
	})
}

func TestExchangeExpiredDeletesEntry(t *testing.T) {
	b, store := newTestBroker(t, Config{})
	ctx := context.Background()

	// Insert an approved entry that is already past its expiry.
	verifier := oauth2.GenerateVerifier()
	now := time.Now()
	entry := &storage.AuthorizationEntry{
		Code:                "expired-code-for-exchange-test",
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       s256Challenge(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		Status:              storage.StatusApproved,
		UserID:              "user-1",
		CreatedAt:           now.Add(-20 * time.Minute),
		ExpiresAt:           now.Add(-10 * time.Minute),
	}
	if err := store.Insert(ctx, entry); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	_, err := b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", verifier)
	if ExchangeKind(err) != KindExpired {
		t.Fatalf("expected expired, got %v", err)
	}

	// A second attempt sees the entry as gone.
	_, err = b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", verifier)
	if ExchangeKind(err) != KindInvalidCode {
		t.Errorf("expected invalid_code after deletion, got %v", err)
	}
}

func TestExpiryDominatesApproval(t *testing.T) {
	b, store := newTestBroker(t, Config{})
	ctx := context.Background()

	entry := &storage.AuthorizationEntry{
		Code:        "expired-pending",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/callback",
		Status:      storage.StatusPending,
		CreatedAt:   time.Now().Add(-20 * time.Minute),
		ExpiresAt:   time.Now().Add(-10 * time.Minute),
	}
	if err := store.Insert(ctx, entry); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if b.Approve(ctx, "expired-pending", "user-1") {
		t.Error("approval of an expired code must fail")
	}
}

func TestApproveSilentFailure(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	if b.Approve(ctx, "no-such-code", "user-1") {
		t.Error("approval of an unknown code must return false")
	}

	verifier := oauth2.GenerateVerifier()
	entry, _ := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256))
	if !b.Approve(ctx, entry.Code, "user-1") {
		t.Fatal("Approve failed")
	}
	if b.Approve(ctx, entry.Code, "user-2") {
		t.Error("re-approval must return false")
	}
}

func TestConcurrentExchangeSingleWinner(t *testing.T) {
	b, _ := newTestBroker(t, Config{})
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	entry, _ := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256))
	b.Approve(ctx, entry.Code, "user-1")

	const attempts = 16
	var wg sync.WaitGroup
	var winners atomic.Int64
	var invalidCode atomic.Int64

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Exchange(ctx, entry.Code, "client-1", "https://app.example.com/callback", verifier)
			switch {
			case err == nil:
				winners.Add(1)
			case ExchangeKind(err) == KindInvalidCode:
				invalidCode.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners.Load())
	}
	if invalidCode.Load() != attempts-1 {
		t.Errorf("expected %d invalid_code losers, got %d", attempts-1, invalidCode.Load())
	}
}

func TestSweepExpired(t *testing.T) {
	b, store := newTestBroker(t, Config{})
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	live, _ := b.Issue(ctx, issueRequest(s256Challenge(verifier), PKCEMethodS256))

	dead := &storage.AuthorizationEntry{
		Code:      "dead-code",
		ClientID:  "client-1",
		Status:    storage.StatusPending,
		CreatedAt: time.Now().Add(-20 * time.Minute),
		ExpiresAt: time.Now().Add(-10 * time.Minute),
	}
	if err := store.Insert(ctx, dead); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if removed := b.SweepExpired(ctx); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := store.Get(ctx, live.Code); err != nil {
		t.Errorf("live entry should survive sweep: %v", err)
	}
}

func TestExchangeKindHelper(t *testing.T) {
	if ExchangeKind(errors.New("plain error")) != "" {
		t.Error("plain errors have no kind")
	}
	if ExchangeKind(nil) != "" {
		t.Error("nil error has no kind")
	}

	wrapped := newExchangeError(KindExpired, storage.ErrEntryExpired)
	if ExchangeKind(wrapped) != KindExpired {
		t.Errorf("expected expired kind, got %s", ExchangeKind(wrapped))
	}
	if !errors.Is(wrapped, storage.ErrEntryExpired) {
		t.Error("ExchangeError must unwrap its cause")
	}
}
