// Package consent provides a delegated authorization service for web
// applications: clients obtain short-lived authorization codes, a signed-in
// user approves them, and the client exchanges the approved code for a
// session token. The flow is OAuth 2.0 authorization code with optional
// PKCE, held entirely in process-local storage.
package consent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskplane/mcp-consent/broker"
	"github.com/taskplane/mcp-consent/instrumentation"
	"github.com/taskplane/mcp-consent/security"
	"github.com/taskplane/mcp-consent/session"
	"github.com/taskplane/mcp-consent/storage"
)

// Server wires the broker, client registry, and session minter together.
// Create one with NewServer, then serve it over HTTP with NewHandler.
type Server struct {
	Config  Config
	Broker  *broker.Broker
	Clients storage.ClientStore
	Minter  session.Minter
	Logger  *slog.Logger

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter

	Instrumentation *instrumentation.Instrumentation
}

// NewServer creates a consent server. The code store, client store, and
// minter are injected; storage/memory satisfies both store interfaces.
func NewServer(cfg Config, codes storage.CodeStore, clients storage.ClientStore, minter session.Minter) (*Server, error) {
	if err := cfg.applySecureDefaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if minter == nil {
		return nil, fmt.Errorf("session minter is required")
	}

	auditor := security.NewAuditor(cfg.Logger, cfg.EnableAuditLog)

	b := broker.New(codes, broker.Config{
		CodeTTL:        cfg.CodeTTL,
		RequirePKCE:    cfg.RequirePKCE,
		AllowPKCEPlain: cfg.AllowPKCEPlain,
	})
	b.Logger = cfg.Logger
	b.Auditor = auditor

	return &Server{
		Config:      cfg,
		Broker:      b,
		Clients:     clients,
		Minter:      minter,
		Logger:      cfg.Logger,
		Auditor:     auditor,
		RateLimiter: security.NewRateLimiter(cfg.RateLimitRequestsPerSecond, cfg.RateLimitBurst, cfg.Logger),
	}, nil
}

// SetInstrumentation enables OpenTelemetry metrics and tracing on the server
// and its broker.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Instrumentation = inst
	s.Broker.SetInstrumentation(inst)
}

// Close releases server resources. The injected stores are owned by the
// caller and are not closed here.
func (s *Server) Close() {
	s.RateLimiter.Stop()
}

// SweepExpired triggers an immediate sweep of expired authorization codes.
func (s *Server) SweepExpired(ctx context.Context) int {
	return s.Broker.SweepExpired(ctx)
}
