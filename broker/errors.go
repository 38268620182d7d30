package broker

import (
	"errors"
	"fmt"
)

// Kind identifies why an exchange was rejected. Kinds are for server-side
// logging and metrics only; HTTP responses collapse every kind into a single
// generic failure so callers cannot tell which check rejected them.
type Kind string

const (
	KindInvalidCode       Kind = "invalid_code"
	KindNotApproved       Kind = "not_approved"
	KindExpired           Kind = "expired"
	KindClientMismatch    Kind = "client_mismatch"
	KindRedirectMismatch  Kind = "redirect_mismatch"
	KindVerifierRequired  Kind = "verifier_required"
	KindUnsupportedMethod Kind = "unsupported_method"
	KindInvalidVerifier   Kind = "invalid_verifier"
)

// ExchangeError is the typed error returned by Exchange. It carries the
// rejection kind and optionally wraps an underlying cause.
type ExchangeError struct {
	Kind Kind
	err  error
}

func (e *ExchangeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("exchange rejected (%s): %v", e.Kind, e.err)
	}
	return fmt.Sprintf("exchange rejected (%s)", e.Kind)
}

func (e *ExchangeError) Unwrap() error {
	return e.err
}

// newExchangeError creates an ExchangeError wrapping cause, which may be nil.
func newExchangeError(kind Kind, cause error) *ExchangeError {
	return &ExchangeError{Kind: kind, err: cause}
}

// ExchangeKind extracts the rejection kind from an error returned by
// Exchange. It returns "" when err is not an ExchangeError.
func ExchangeKind(err error) Kind {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
