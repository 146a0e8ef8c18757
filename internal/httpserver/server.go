// Package httpserver assembles the gateway: OAuth endpoints, discovery
// documents, and the MCP tool surface behind the bearer gate.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelbridge/crm-mcp/internal/config"
	"github.com/modelbridge/crm-mcp/internal/crm"
	"github.com/modelbridge/crm-mcp/internal/instrumentation"
	"github.com/modelbridge/crm-mcp/internal/oauth"
	"github.com/modelbridge/crm-mcp/internal/security"
	"github.com/modelbridge/crm-mcp/internal/token"
	"github.com/modelbridge/crm-mcp/internal/tools"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server is the assembled gateway process.
type Server struct {
	cfg         *config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	rateLimiter *security.RateLimiter
	inst        *instrumentation.Instrumentation
}

// New builds the gateway from configuration. The version string is
// reported in telemetry and in the MCP server handshake.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "crm-mcp",
		ServiceVersion: version,
		Enabled:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up instrumentation: %w", err)
	}

	signer, err := token.NewSigner(cfg.CRMAPIKey)
	if err != nil {
		return nil, err
	}

	auditor := security.NewAuditor(logger, cfg.AuditEnabled)

	authServer, err := oauth.NewServer(signer, &oauth.Config{
		Issuer:          cfg.Issuer,
		CodeTTL:         cfg.CodeTTL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		Logger:          logger,
		Auditor:         auditor,
		Instrumentation: inst,
	})
	if err != nil {
		return nil, err
	}
	authHandler := oauth.NewHandler(authServer)

	crmOpts := []crm.Option{
		crm.WithLogger(logger),
		crm.WithInstrumentation(inst),
	}
	if cfg.CRMBaseURL != "" {
		crmOpts = append(crmOpts, crm.WithBaseURL(cfg.CRMBaseURL))
	}
	crmClient, err := crm.NewClient(cfg.CRMAPIKey, crmOpts...)
	if err != nil {
		return nil, err
	}

	toolServer := tools.NewServer(crmClient, version, logger)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		inst:   inst,
	}
	if cfg.RateLimitRPS > 0 {
		s.rateLimiter = security.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	}

	mux := http.NewServeMux()
	s.routes(mux, authHandler, toolServer)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux, authHandler *oauth.Handler, toolServer *tools.Server) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", authHandler.ServeMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", authHandler.ServeResourceMetadata)
	mux.Handle("/oauth/authorize", s.withRateLimit("/oauth/authorize", http.HandlerFunc(authHandler.ServeAuthorization)))
	mux.Handle("/oauth/token", s.withRateLimit("/oauth/token", http.HandlerFunc(authHandler.ServeToken)))
	mux.Handle("/oauth/register", s.withRateLimit("/oauth/register", http.HandlerFunc(authHandler.ServeClientRegistration)))
	mux.Handle("/mcp", authHandler.RequireAccessToken(toolServer.Handler()))
	mux.HandleFunc("/healthz", s.serveHealth)
}

// withRateLimit applies the per-IP limit to an OAuth endpoint. The MCP
// endpoint is deliberately not limited here: it sits behind the bearer
// gate, and streaming sessions issue many requests.
func (s *Server) withRateLimit(endpoint string, next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := security.ClientIP(r, false, 0)
		if !s.rateLimiter.Allow(ip) {
			s.inst.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
			s.logger.Warn("rate limit exceeded", "endpoint", endpoint, "ip", ip)

			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"invalid_request","error_description":"rate limit exceeded"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening",
			"addr", s.cfg.ListenAddr,
			"issuer", s.cfg.Issuer,
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if ierr := s.inst.Shutdown(shutdownCtx); ierr != nil && err == nil {
		err = ierr
	}
	return err
}
