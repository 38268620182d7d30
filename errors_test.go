package consent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestError_Error(t *testing.T) {
	e := &Error{Code: ErrorCodeInvalidRequest, Description: "Missing required parameter"}
	if got, want := e.Error(), "invalid_request: Missing required parameter"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid grant", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"unsupported grant type", ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"server error", ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
		{"custom status", NewError(ErrorCodeRateLimitExceeded, "x", http.StatusTooManyRequests), ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Description != "x" {
				t.Errorf("Description = %q, want %q", tt.err.Description, "x")
			}
		})
	}
}

func TestWriteErrorResponseShape(t *testing.T) {
	h := &Handler{}

	rec := httptest.NewRecorder()
	h.writeError(rec, ErrInvalidClient("Client authentication failed"))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != tokenTypeBearer {
		t.Error("401 responses must carry WWW-Authenticate")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != ErrorCodeInvalidClient {
		t.Errorf("error = %q, want %q", body["error"], ErrorCodeInvalidClient)
	}
	if body["error_description"] != "Client authentication failed" {
		t.Errorf("error_description = %q", body["error_description"])
	}
}
