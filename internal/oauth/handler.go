package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelbridge/crm-mcp/internal/instrumentation"
	"github.com/modelbridge/crm-mcp/internal/security"
)

type contextKey string

const clientIDContextKey contextKey = "oauth_client_id"

// ClientIDFromContext returns the client ID attached by RequireAccessToken.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDContextKey).(string); ok {
		return v
	}
	return ""
}

// Handler exposes the authorization server over HTTP.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates an HTTP handler for the given server.
func NewHandler(server *Server) *Handler {
	var tracer trace.Tracer
	if server.inst != nil {
		tracer = server.inst.Tracer("oauth")
	}
	return &Handler{
		server: server,
		logger: server.logger,
		tracer: tracer,
	}
}

// Routes registers the OAuth and discovery endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.ServeResourceMetadata)
	mux.HandleFunc("/oauth/authorize", h.ServeAuthorization)
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/register", h.ServeClientRegistration)
}

// setCORSHeaders applies the wide-open CORS policy. The endpoints carry no
// cookies and no per-origin state, and browser-based MCP clients connect
// from arbitrary origins, so "*" is the correct policy rather than a lazy
// one. Mcp-Session-Id is exposed so browser clients can resume streamable
// HTTP sessions.
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, Mcp-Protocol-Version")
	w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

// ServePreflightRequest answers CORS preflight with 204 and no body.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// ServeAuthorization handles GET /oauth/authorize. There is no login page
// and no consent screen: authorization is granted unconditionally by
// minting a code and redirecting back. The security boundary of the system
// is the operator secret, not end-user identity.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "oauth.authorize")
		defer span.End()
	}

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, r, NewError(ErrorCodeMethodNotAllowed, "authorization endpoint only supports GET", http.StatusMethodNotAllowed))
		return
	}

	setCORSHeaders(w)

	q := r.URL.Query()
	responseType := q.Get("response_type")
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	codeChallenge := q.Get("code_challenge")
	challengeMethod := q.Get("code_challenge_method")
	state := q.Get("state")

	span := trace.SpanFromContext(ctx)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrResponseType, responseType),
	)

	if responseType == "" {
		h.writeError(w, r, ErrInvalidRequest("response_type is required"))
		return
	}
	if responseType != ResponseTypeCode {
		h.writeError(w, r, ErrUnsupportedResponseType("only response_type=code is supported"))
		return
	}
	if clientID == "" {
		h.writeError(w, r, ErrInvalidRequest("client_id is required"))
		return
	}
	if redirectURI == "" {
		h.writeError(w, r, ErrInvalidRequest("redirect_uri is required"))
		return
	}
	if codeChallenge == "" {
		h.writeError(w, r, ErrInvalidRequest("code_challenge is required"))
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, r, ErrInvalidRequest("redirect_uri is not a valid URL"))
		return
	}

	code, err := h.server.IssueAuthorizationCode(ctx, clientID, redirectURI, codeChallenge, challengeMethod)
	if err != nil {
		h.logger.Error("failed to issue authorization code", "error", err, "client_id", clientID)
		h.writeError(w, r, NewError(ErrorCodeInternal, "failed to issue authorization code", http.StatusInternalServerError))
		return
	}

	h.server.auditor.LogCodeIssued(clientID, security.ClientIP(r, false, 0))

	params := target.Query()
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	http.Redirect(w, r, target.String(), http.StatusFound)
	instrumentation.SetSpanSuccess(span)
	h.recordRequest(ctx, r, "/oauth/authorize", http.StatusFound, startTime)
}

// ServeToken handles POST /oauth/token. Parameters are accepted either
// form-encoded per RFC 6749 or as a JSON object, whichever the client
// speaks.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "oauth.token")
		defer span.End()
	}

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, r, NewError(ErrorCodeMethodNotAllowed, "token endpoint only supports POST", http.StatusMethodNotAllowed))
		return
	}

	setCORSHeaders(w)

	req, err := parseTokenRequest(r)
	if err != nil {
		h.writeError(w, r, ErrInternal("failed to parse request body"))
		return
	}

	span := trace.SpanFromContext(ctx)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
	)

	if req.GrantType != GrantTypeAuthorizationCode {
		h.writeError(w, r, ErrUnsupportedGrantType("only grant_type=authorization_code is supported"))
		return
	}
	if req.Code == "" {
		h.writeError(w, r, ErrInvalidRequest("code is required"))
		return
	}
	if req.CodeVerifier == "" {
		h.writeError(w, r, ErrInvalidRequest("code_verifier is required"))
		return
	}
	if req.ClientID == "" {
		h.writeError(w, r, ErrInvalidRequest("client_id is required"))
		return
	}

	tok, err := h.server.ExchangeAuthorizationCode(ctx, req.Code, req.ClientID, req.CodeVerifier, security.ClientIP(r, false, 0))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, asOAuthError(err))
		return
	}

	h.writeTokenResponse(w, r, tok.AccessToken, int64(h.server.config.AccessTokenTTL.Seconds()))
	instrumentation.SetSpanSuccess(span)
	h.recordRequest(ctx, r, "/oauth/token", http.StatusOK, startTime)
}

// parseTokenRequest reads the token endpoint parameters from either a JSON
// or a form-encoded body.
func parseTokenRequest(r *http.Request) (*tokenRequest, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientID:     r.PostFormValue("client_id"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
	}, nil
}

// ServeClientRegistration handles POST /oauth/register. The server keeps no
// client registry; registration exists so clients that require the RFC 7591
// dance before starting a flow receive a well-formed response.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, r, NewError(ErrorCodeMethodNotAllowed, "registration endpoint only supports POST", http.StatusMethodNotAllowed))
		return
	}

	setCORSHeaders(w)

	var req ClientRegistrationRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, ErrInternal("failed to parse request body"))
			return
		}
	}

	clientID := uuid.NewString()
	resp := ClientRegistrationResponse{
		ClientID:                clientID,
		ClientIDIssuedAt:        time.Now().Unix(),
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              []string{GrantTypeAuthorizationCode},
		ResponseTypes:           []string{ResponseTypeCode},
		TokenEndpointAuthMethod: "none",
	}

	if h.server.inst != nil {
		h.server.inst.Metrics().RecordClientRegistered(ctx)
	}
	h.server.auditor.LogClientRegistered(clientID, security.ClientIP(r, false, 0))

	h.writeJSON(w, http.StatusCreated, resp)
	h.recordRequest(ctx, r, "/oauth/register", http.StatusCreated, startTime)
}

// ServeMetadata handles GET /.well-known/oauth-authorization-server.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, r, NewError(ErrorCodeMethodNotAllowed, "metadata endpoint only supports GET", http.StatusMethodNotAllowed))
		return
	}

	setCORSHeaders(w)
	h.writeJSON(w, http.StatusOK, h.server.Metadata())
}

// ServeResourceMetadata handles GET /.well-known/oauth-protected-resource.
func (h *Handler) ServeResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, r, NewError(ErrorCodeMethodNotAllowed, "metadata endpoint only supports GET", http.StatusMethodNotAllowed))
		return
	}

	setCORSHeaders(w)
	h.writeJSON(w, http.StatusOK, h.server.ResourceMetadata())
}

// RequireAccessToken wraps next with bearer token validation. Requests
// without a valid access token are rejected with 401 and a WWW-Authenticate
// challenge pointing at the resource metadata document. On success the
// token's client ID is attached to the request context.
func (h *Handler) RequireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			h.ServePreflightRequest(w, r)
			return
		}

		setCORSHeaders(w)

		raw := bearerToken(r)
		if raw == "" {
			h.rejectBearer(w, r, "missing bearer token")
			return
		}

		payload, err := h.server.Authenticate(r.Context(), raw)
		if err != nil {
			h.server.auditor.LogAccessRejected(raw, security.ClientIP(r, false, 0), err.Error())
			h.rejectBearer(w, r, "access token is invalid or expired")
			return
		}

		ctx := context.WithValue(r.Context(), clientIDContextKey, payload.ClientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
// The scheme comparison is case-insensitive per RFC 6750.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func (h *Handler) rejectBearer(w http.ResponseWriter, r *http.Request, desc string) {
	h.writeError(w, r, ErrInvalidToken(desc))
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, r *http.Request, accessToken string, expiresIn int64) {
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError emits the RFC 6749 error body. 401 responses additionally
// carry a WWW-Authenticate challenge pointing clients at discovery.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, oerr *Error) {
	setCORSHeaders(w)
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	if oerr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			`Bearer error="`+oerr.Code+`", resource_metadata="`+
				h.server.config.Issuer+`/.well-known/oauth-protected-resource"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oerr.Status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

// asOAuthError normalizes internal errors into the wire taxonomy.
func asOAuthError(err error) *Error {
	if oerr, ok := err.(*Error); ok {
		return oerr
	}
	return NewError(ErrorCodeInternal, "internal error", http.StatusInternalServerError)
}

func (h *Handler) recordRequest(ctx context.Context, r *http.Request, endpoint string, status int, startTime time.Time) {
	if h.server.inst == nil {
		return
	}
	h.server.inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, status,
		float64(time.Since(startTime).Milliseconds()))
}
