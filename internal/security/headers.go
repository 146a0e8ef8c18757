// Package security provides the security plumbing shared by the OAuth
// endpoints and the protected MCP surface: response headers, per-IP rate
// limiting, request IDs, audit logging, and client IP extraction.
package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets defensive headers on every OAuth response.
// HSTS is only emitted when the issuer itself is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Tokens and codes must never land in a shared cache.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
