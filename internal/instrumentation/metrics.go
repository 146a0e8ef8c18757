package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the gateway.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flow
	CodesIssued       metric.Int64Counter
	TokensIssued      metric.Int64Counter
	ClientsRegistered metric.Int64Counter

	// Security
	PKCEValidationFailed metric.Int64Counter
	GateRejections       metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter

	// CRM backend
	CRMRequestsTotal   metric.Int64Counter
	CRMRequestDuration metric.Float64Histogram
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	oauthMeter := inst.Meter("oauth")
	securityMeter := inst.Meter("security")
	crmMeter := inst.Meter("crm")

	m := &Metrics{}

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"crmmcp.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"crmmcp.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.CodesIssued, err = oauthMeter.Int64Counter(
		"crmmcp.oauth.codes.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth.codes.issued counter: %w", err)
	}

	m.TokensIssued, err = oauthMeter.Int64Counter(
		"crmmcp.oauth.tokens.issued",
		metric.WithDescription("Number of access tokens minted at the token endpoint"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth.tokens.issued counter: %w", err)
	}

	m.ClientsRegistered, err = oauthMeter.Int64Counter(
		"crmmcp.oauth.clients.registered",
		metric.WithDescription("Number of dynamic client registrations"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth.clients.registered counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"crmmcp.security.pkce.validation_failed",
		metric.WithDescription("Number of PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.GateRejections, err = securityMeter.Int64Counter(
		"crmmcp.security.gate.rejections",
		metric.WithDescription("Number of bearer tokens rejected at the resource gate"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate.rejections counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"crmmcp.security.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.CRMRequestsTotal, err = crmMeter.Int64Counter(
		"crmmcp.crm.requests.total",
		metric.WithDescription("Total number of CRM backend API calls"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create crm.requests.total counter: %w", err)
	}

	m.CRMRequestDuration, err = crmMeter.Float64Histogram(
		"crmmcp.crm.request.duration",
		metric.WithDescription("CRM backend API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create crm.request.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one HTTP request with its duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, status int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordCodeIssued records issuance of an authorization code.
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordTokenIssued records a successful code exchange.
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordClientRegistered records a dynamic client registration.
func (m *Metrics) RecordClientRegistered(ctx context.Context) {
	m.ClientsRegistered.Add(ctx, 1)
}

// RecordPKCEFailure records a failed PKCE check.
func (m *Metrics) RecordPKCEFailure(ctx context.Context, clientID string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordGateRejection records a bearer token rejected at the resource gate.
func (m *Metrics) RecordGateRejection(ctx context.Context, reason string) {
	m.GateRejections.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRejectReason, reason)))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrHTTPEndpoint, endpoint)))
}

// RecordCRMRequest records one CRM backend API call with its duration.
func (m *Metrics) RecordCRMRequest(ctx context.Context, operation string, status int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrCRMOperation, operation),
		attribute.Int(AttrHTTPStatusCode, status),
	)
	m.CRMRequestsTotal.Add(ctx, 1, attrs)
	m.CRMRequestDuration.Record(ctx, durationMs, attrs)
}
