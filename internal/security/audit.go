package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor emits structured security events. Client identifiers are logged
// verbatim (they are public), but anything that could identify an end user
// or carry credential material is hashed before logging.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. When disabled, all logging methods are
// no-ops so call sites never need to branch.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single security-relevant occurrence.
type Event struct {
	Type      string
	ClientID  string
	IPAddress string
	Details   map[string]any
}

// LogEvent records an audit event.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", time.Now(),
	)
}

// LogCodeIssued records issuance of an authorization code.
func (a *Auditor) LogCodeIssued(clientID, ipAddress string) {
	a.LogEvent(Event{Type: "authorization_code_issued", ClientID: clientID, IPAddress: ipAddress})
}

// LogCodeExchanged records a successful code-for-token exchange.
func (a *Auditor) LogCodeExchanged(clientID, ipAddress string) {
	a.LogEvent(Event{Type: "authorization_code_exchanged", ClientID: clientID, IPAddress: ipAddress})
}

// LogExchangeFailure records a failed exchange with its rejection reason.
func (a *Auditor) LogExchangeFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "token_exchange_failed",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogAccessRejected records a bearer token rejected at the resource gate.
// The token itself is hashed: an audit trail must never become a token
// store.
func (a *Auditor) LogAccessRejected(tok, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "access_token_rejected",
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_hash": HashForLogging(tok),
			"reason":     reason,
		},
	})
}

// LogClientRegistered records a dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, ipAddress string) {
	a.LogEvent(Event{Type: "client_registered", ClientID: clientID, IPAddress: ipAddress})
}

// LogRateLimitExceeded records a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// HashForLogging returns a short hex digest suitable for correlating a
// sensitive value across log lines without revealing it. Empty input maps
// to the empty string.
func HashForLogging(v string) string {
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])[:16]
}
