// Package config loads gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultListenAddr     = ":8080"
	DefaultIssuer         = "http://localhost:8080"
	DefaultCodeTTL        = 5 * time.Minute
	DefaultAccessTokenTTL = 7 * 24 * time.Hour
	DefaultRateLimitRPS   = 10
	DefaultRateLimitBurst = 20
)

// Config is the complete gateway configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string

	// Issuer is the externally visible base URL, without a trailing slash.
	Issuer string

	// CRMAPIKey authenticates the gateway to the CRM backend and doubles
	// as the token signing secret. The gateway refuses to start without
	// it: there is no unsigned mode.
	CRMAPIKey string

	// CRMBaseURL overrides the CRM API endpoint. Empty means the client
	// default.
	CRMBaseURL string

	// CodeTTL is the authorization code lifetime.
	CodeTTL time.Duration

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// RateLimitRPS is the sustained per-IP request rate on the OAuth
	// endpoints. Zero disables rate limiting.
	RateLimitRPS int

	// RateLimitBurst is the per-IP burst allowance.
	RateLimitBurst int

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envOr("CRMMCP_LISTEN_ADDR", DefaultListenAddr),
		Issuer:         strings.TrimSuffix(envOr("CRMMCP_ISSUER", DefaultIssuer), "/"),
		CRMAPIKey:      os.Getenv("CRM_API_KEY"),
		CRMBaseURL:     os.Getenv("CRM_BASE_URL"),
		CodeTTL:        DefaultCodeTTL,
		AccessTokenTTL: DefaultAccessTokenTTL,
		RateLimitRPS:   DefaultRateLimitRPS,
		RateLimitBurst: DefaultRateLimitBurst,
		AuditEnabled:   envBool("CRMMCP_AUDIT_ENABLED", true),
	}

	var err error
	if cfg.CodeTTL, err = envDuration("CRMMCP_CODE_TTL", cfg.CodeTTL); err != nil {
		return nil, err
	}
	if cfg.AccessTokenTTL, err = envDuration("CRMMCP_ACCESS_TOKEN_TTL", cfg.AccessTokenTTL); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = envInt("CRMMCP_RATE_LIMIT_RPS", cfg.RateLimitRPS); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("CRMMCP_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.CRMAPIKey == "" {
		return errors.New("CRM_API_KEY is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer must not be empty")
	}
	parsed, err := url.Parse(c.Issuer)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("issuer %q is not an absolute URL", c.Issuer)
	}
	if c.CodeTTL <= 0 {
		return errors.New("code TTL must be positive")
	}
	if c.AccessTokenTTL <= 0 {
		return errors.New("access token TTL must be positive")
	}
	if c.RateLimitRPS < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
