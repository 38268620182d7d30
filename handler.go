package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/taskplane/mcp-consent/broker"
	"github.com/taskplane/mcp-consent/instrumentation"
	"github.com/taskplane/mcp-consent/security"
	"github.com/taskplane/mcp-consent/storage"
)

const tokenTypeBearer = "Bearer"

// Handler is a thin HTTP adapter for the consent Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = server.Logger
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all consent endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/consent/info", h.ServeConsentInfo)
	mux.HandleFunc("/consent/approve", h.ServeConsentApprove)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/register", h.ServeClientRegistration)
}

// Routes returns an http.Handler with all endpoints registered and request ID
// propagation applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// ServeAuthorization handles GET /authorize. It validates the request
// against the registered client, issues a pending authorization code, and
// sends the user agent to the consent page.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span, done := h.startRequest(r, "authorize")
	defer span.End()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodGet {
		done(http.StatusMethodNotAllowed)
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
		return
	}

	if !h.checkRateLimit(ctx, w, h.clientIP(r), "authorize") {
		done(http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "code" {
		done(http.StatusBadRequest)
		h.writeError(w, ErrInvalidRequest("response_type must be 'code'"))
		return
	}

	clientID := q.Get("client_id")
	if clientID == "" {
		done(http.StatusBadRequest)
		h.writeError(w, ErrInvalidRequest("client_id is required"))
		return
	}

	client, err := h.server.Clients.GetClient(ctx, clientID)
	if err != nil {
		done(http.StatusBadRequest)
		h.writeError(w, NewError(ErrorCodeInvalidClient, "Unknown client", http.StatusBadRequest))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !clientHasRedirectURI(client, redirectURI) {
		// Never redirect to an unregistered URI.
		done(http.StatusBadRequest)
		h.writeError(w, NewError(ErrorCodeInvalidRedirectURI, "redirect_uri is not registered for this client", http.StatusBadRequest))
		return
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge != "" && method == "" {
		method = broker.PKCEMethodS256
	}

	entry, err := h.server.Broker.Issue(ctx, broker.IssueRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
	})
	if err != nil {
		done(http.StatusBadRequest)
		h.writeError(w, ErrInvalidRequest(err.Error()))
		return
	}

	consentURL := h.server.Config.ConsentURL + "?code=" + url.QueryEscape(entry.Code)
	done(http.StatusFound)
	http.Redirect(w, r, consentURL, http.StatusFound)
}

// ServeConsentInfo handles GET /consent/info. The consent page calls it to
// describe the pending authorization to the user before they approve.
func (h *Handler) ServeConsentInfo(w http.ResponseWriter, r *http.Request) {
	ctx, span, done := h.startRequest(r, "consent_info")
	defer span.End()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodGet {
		done(http.StatusMethodNotAllowed)
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
		return
	}

	if !h.checkRateLimit(ctx, w, h.clientIP(r), "consent_info") {
		done(http.StatusTooManyRequests)
		return
	}

	code := r.URL.Query().Get("code")
	entry, err := h.server.Broker.Peek(ctx, code)
	if err != nil || entry.Status != storage.StatusPending {
		done(http.StatusNotFound)
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "Unknown or expired authorization request", http.StatusNotFound))
		return
	}

	info := consentInfo{
		ClientID:  entry.ClientID,
		Scope:     entry.Scope,
		ExpiresAt: entry.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if client, err := h.server.Clients.GetClient(ctx, entry.ClientID); err == nil {
		info.ClientName = client.ClientName
	}

	done(http.StatusOK)
	h.writeJSON(w, http.StatusOK, info)
}

// ServeConsentApprove handles POST /consent/approve. The authenticated user
// approves the pending code and the user agent is sent back to the client's
// redirect URI with code and state.
func (h *Handler) ServeConsentApprove(w http.ResponseWriter, r *http.Request) {
	ctx, span, done := h.startRequest(r, "consent_approve")
	defer span.End()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodPost {
		done(http.StatusMethodNotAllowed)
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
		return
	}

	if !h.checkRateLimit(ctx, w, h.clientIP(r), "consent_approve") {
		done(http.StatusTooManyRequests)
		return
	}

	userID, err := h.server.Config.UserFromRequest(r)
	if err != nil || userID == "" {
		done(http.StatusUnauthorized)
		h.writeError(w, NewError(ErrorCodeAccessDenied, "Sign-in required", http.StatusUnauthorized))
		return
	}

	if err := r.ParseForm(); err != nil {
		done(http.StatusBadRequest)
		h.writeError(w, ErrInvalidRequest("Invalid form data"))
		return
	}
	code := r.PostForm.Get("code")

	if !h.server.Broker.Approve(ctx, code, userID) {
		// No detail: the code may be unknown, expired, or already handled.
		done(http.StatusBadRequest)
		h.writeError(w, NewError(ErrorCodeAccessDenied, "Authorization request could not be approved", http.StatusBadRequest))
		return
	}

	entry, err := h.server.Broker.Peek(ctx, code)
	if err != nil {
		// Consumed or swept between approval and redirect.
		done(http.StatusBadRequest)
		h.writeError(w, NewError(ErrorCodeAccessDenied, "Authorization request could not be approved", http.StatusBadRequest))
		return
	}

	redirect, err := url.Parse(entry.RedirectURI)
	if err != nil {
		done(http.StatusInternalServerError)
		h.writeError(w, ErrServerError("Stored redirect URI is invalid"))
		return
	}
	qs := redirect.Query()
	qs.Set("code", code)
	if entry.State != "" {
		qs.Set("state", entry.State)
	}
	redirect.RawQuery = qs.Encode()

	done(http.StatusFound)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles POST /token. Only the authorization_code grant is
// supported; rejected exchanges all produce the same invalid_grant response.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span, done := h.startRequest(r, "token")
	defer span.End()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodPost {
		done(http.StatusMethodNotAllowed)
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(ctx, w, clientIP, "token") {
		done(http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		done(http.StatusBadRequest)
		h.writeError(w, ErrInvalidRequest("Invalid form data"))
		return
	}

	if gt := r.PostForm.Get("grant_type"); gt != "authorization_code" {
		done(http.StatusBadRequest)
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", gt)))
		return
	}

	clientID, ok := h.authenticateClient(ctx, w, r, clientIP)
	if !ok {
		done(http.StatusUnauthorized)
		return
	}

	code := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")
	verifier := r.PostForm.Get("code_verifier")

	grant, err := h.server.Broker.Exchange(ctx, code, clientID, redirectURI, verifier)
	if err != nil {
		// The kind was logged and audited by the broker. The response is
		// identical for every rejection.
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrExchangeKind, string(broker.ExchangeKind(err))))
		done(http.StatusBadRequest)
		h.writeError(w, ErrInvalidGrant(genericExchangeFailure))
		return
	}

	token, err := h.server.Minter.Mint(ctx, grant.UserID, grant.Scope)
	if err != nil {
		h.logger.Error("Failed to mint session token", "error", err)
		done(http.StatusInternalServerError)
		h.writeError(w, ErrServerError("Failed to create session"))
		return
	}

	h.server.Auditor.LogSessionMinted(grant.UserID, clientID, clientIP, grant.Scope)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordSessionMinted(ctx)
	}

	done(http.StatusOK)
	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresIn:   token.ExpiresIn,
		Scope:       token.Scope,
	})
}

// ServeClientRegistration handles POST /register (RFC 7591 dynamic client
// registration, reduced to the fields the consent flow needs).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span, done := h.startRequest(r, "register")
	defer span.End()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodPost {
		done(http.StatusMethodNotAllowed)
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkRateLimit(ctx, w, clientIP, "register") {
		done(http.StatusTooManyRequests)
		return
	}

	if want := h.server.Config.RegistrationAccessToken; want != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != want {
			done(http.StatusUnauthorized)
			h.writeError(w, ErrInvalidClient("Registration requires a valid access token"))
			return
		}
	}

	var req clientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		done(http.StatusBadRequest)
		h.writeError(w, ErrInvalidRequest("Invalid JSON body"))
		return
	}

	if len(req.RedirectURIs) == 0 {
		done(http.StatusBadRequest)
		h.writeError(w, ErrInvalidRequest("redirect_uris is required"))
		return
	}
	for _, raw := range req.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			done(http.StatusBadRequest)
			h.writeError(w, NewError(ErrorCodeInvalidRedirectURI, err.Error(), http.StatusBadRequest))
			return
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}

	client := &storage.Client{
		ClientID:     uuid.NewString(),
		RedirectURIs: req.RedirectURIs,
		ClientName:   req.ClientName,
		CreatedAt:    time.Now(),
	}

	var clientSecret string
	if authMethod == "none" {
		client.ClientType = "public"
	} else {
		client.ClientType = "confidential"
		clientSecret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			done(http.StatusInternalServerError)
			h.writeError(w, ErrServerError("Failed to register client"))
			return
		}
		client.ClientSecretHash = string(hash)
	}

	if err := h.server.Clients.SaveClient(ctx, client); err != nil {
		done(http.StatusInternalServerError)
		h.writeError(w, ErrServerError("Failed to register client"))
		return
	}

	h.logger.Info("Registered client",
		"client_id", client.ClientID,
		"client_type", client.ClientType,
		"redirect_uris", len(client.RedirectURIs))
	h.server.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordClientRegistration(ctx, client.ClientType)
	}

	done(http.StatusCreated)
	h.writeJSON(w, http.StatusCreated, clientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.ClientName,
		TokenEndpointAuthMethod: authMethod,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}

// authenticateClient resolves and authenticates the client on a token
// request. Credentials come from HTTP Basic auth or the form body. Public
// clients authenticate with client_id alone.
func (h *Handler) authenticateClient(ctx context.Context, w http.ResponseWriter, r *http.Request, clientIP string) (string, bool) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	} else {
		// Basic auth credentials are URL-encoded per RFC 6749 2.3.1.
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if sec, err := url.QueryUnescape(clientSecret); err == nil {
			clientSecret = sec
		}
	}

	if clientID == "" {
		h.writeError(w, ErrInvalidClient("Client authentication required"))
		return "", false
	}

	if err := h.server.Clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		h.server.Auditor.LogAuthFailure("", clientID, clientIP, "invalid client credentials")
		h.writeError(w, ErrInvalidClient("Invalid client credentials"))
		return "", false
	}

	return clientID, true
}

// checkRateLimit applies the per-IP limiter and writes the 429 response on
// violation.
func (h *Handler) checkRateLimit(ctx context.Context, w http.ResponseWriter, clientIP, endpoint string) bool {
	if h.server.RateLimiter.Allow(clientIP) {
		return true
	}

	h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	}
	h.writeError(w, NewError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
	return false
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// startRequest begins a span for the request and returns a completion
// callback recording HTTP metrics. The callback is idempotent enough for our
// use: call it once with the final status before writing the response.
func (h *Handler) startRequest(r *http.Request, endpoint string) (context.Context, trace.Span, func(status int)) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "http."+endpoint,
			trace.WithAttributes(
				attribute.String(instrumentation.AttrHTTPMethod, r.Method),
				attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
			))
	}

	start := time.Now()
	done := func(status int) {
		instrumentation.SetSpanAttributes(span,
			attribute.Int(instrumentation.AttrHTTPStatusCode, status))
		if h.server.Instrumentation != nil {
			h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint,
				status, float64(time.Since(start).Milliseconds()))
		}
	}

	return ctx, span, done
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders an OAuth error response as JSON.
func (h *Handler) writeError(w http.ResponseWriter, oerr *Error) {
	if oerr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oerr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oerr.Code,
		"error_description": oerr.Description,
	})
}

// clientHasRedirectURI reports whether the exact redirect URI is registered
// for the client. Matching is literal string equality, no prefix or wildcard
// rules.
func clientHasRedirectURI(client *storage.Client, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	return false
}

// validateRedirectURI rejects malformed or dangerous redirect URIs at
// registration time.
func validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect URI %q", raw)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("redirect URI %q must be absolute", raw)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "javascript", "data", "file", "vbscript", "about":
		return fmt.Errorf("redirect URI scheme %q is not allowed", parsed.Scheme)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}
	return nil
}
