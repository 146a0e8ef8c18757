// Package crm is a thin client for the upstream CRM REST API. The gateway
// authenticates to the CRM with the operator API key; end clients never see
// that key, they only hold gateway-minted access tokens.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/modelbridge/crm-mcp/internal/instrumentation"
)

// DefaultBaseURL is the production CRM API endpoint.
const DefaultBaseURL = "https://api.crm.example.com/v1"

const defaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an upstream error body is read.
const maxErrorBody = 8 << 10

// APIError is a non-2xx response from the CRM backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("crm: %s (%s, HTTP %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("crm: HTTP %d: %s", e.Status, e.Message)
}

// Client calls the CRM REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	inst       *instrumentation.Instrumentation
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the CRM API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithInstrumentation enables metrics for backend calls.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(c *Client) { c.inst = inst }
}

// NewClient creates a CRM client authenticating with the given API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("crm: API key is required")
	}

	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Contact is a person record in the CRM.
type Contact struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Company   string `json:"company,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Owner     string `json:"owner,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Note is a free-form annotation attached to a contact.
type Note struct {
	ID        string `json:"id"`
	ContactID string `json:"contact_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Deal is a sales opportunity.
type Deal struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Stage     string  `json:"stage"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	ContactID string  `json:"contact_id,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// DealUpdate carries the mutable fields of a deal. Nil fields are left
// unchanged upstream.
type DealUpdate struct {
	Stage  *string  `json:"stage,omitempty"`
	Amount *float64 `json:"amount,omitempty"`
	Name   *string  `json:"name,omitempty"`
}

// SearchContacts returns contacts matching the free-text query.
func (c *Client) SearchContacts(ctx context.Context, query string, limit int) ([]Contact, error) {
	params := url.Values{"q": {query}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Contacts []Contact `json:"contacts"`
	}
	if err := c.do(ctx, "search_contacts", http.MethodGet, "/contacts/search?"+params.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

// GetContact fetches a single contact by ID.
func (c *Client) GetContact(ctx context.Context, id string) (*Contact, error) {
	var out Contact
	if err := c.do(ctx, "get_contact", http.MethodGet, "/contacts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateNote attaches a note to a contact.
func (c *Client) CreateNote(ctx context.Context, contactID, body string) (*Note, error) {
	in := map[string]string{"contact_id": contactID, "body": body}
	var out Note
	if err := c.do(ctx, "create_note", http.MethodPost, "/notes", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDeals returns deals, optionally filtered by pipeline stage.
func (c *Client) ListDeals(ctx context.Context, stage string, limit int) ([]Deal, error) {
	params := url.Values{}
	if stage != "" {
		params.Set("stage", stage)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/deals"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Deals []Deal `json:"deals"`
	}
	if err := c.do(ctx, "list_deals", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Deals, nil
}

// UpdateDeal applies a partial update to a deal.
func (c *Client) UpdateDeal(ctx context.Context, id string, update DealUpdate) (*Deal, error) {
	var out Deal
	if err := c.do(ctx, "update_deal", http.MethodPatch, "/deals/"+url.PathEscape(id), update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one authenticated request and decodes the JSON response into
// out. Non-2xx responses become an *APIError.
func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) error {
	startTime := time.Now()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("crm: failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("crm: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crm: %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	if c.inst != nil {
		c.inst.Metrics().RecordCRMRequest(ctx, operation, resp.StatusCode,
			float64(time.Since(startTime).Milliseconds()))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("crm request failed",
			"operation", operation,
			"status", resp.StatusCode,
			"code", apiErr.Code,
		)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crm: failed to decode %s response: %w", operation, err)
	}
	return nil
}
