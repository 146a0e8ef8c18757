package oauth

import (
	"log/slog"
	"time"

	"github.com/modelbridge/crm-mcp/internal/instrumentation"
	"github.com/modelbridge/crm-mcp/internal/security"
)

// Defaults for credential lifetimes.
const (
	// DefaultCodeTTL is how long an authorization code stays exchangeable.
	DefaultCodeTTL = 5 * time.Minute

	// DefaultAccessTokenTTL is how long an access token stays valid.
	DefaultAccessTokenTTL = 7 * 24 * time.Hour
)

// Config holds the authorization server configuration.
type Config struct {
	// Issuer is the externally visible base URL of this server, without a
	// trailing slash (e.g. "https://crm-mcp.example.com"). It is embedded
	// in the discovery documents and in WWW-Authenticate challenges.
	Issuer string

	// Resource is the identifier of the protected resource, advertised in
	// the RFC 9728 document. Defaults to Issuer + "/mcp".
	Resource string

	// CodeTTL is the authorization code lifetime.
	CodeTTL time.Duration

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// Logger for operational logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Auditor for security events. Optional; a disabled auditor is used
	// when nil.
	Auditor *security.Auditor

	// Instrumentation for metrics and traces. Optional.
	Instrumentation *instrumentation.Instrumentation
}

func (c *Config) applyDefaults() {
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.Resource == "" {
		c.Resource = c.Issuer + "/mcp"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Auditor == nil {
		c.Auditor = security.NewAuditor(c.Logger, false)
	}
}
