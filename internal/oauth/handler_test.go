package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/modelbridge/crm-mcp/internal/token"
)

const (
	testIssuer = "https://auth.example.com"
	testSecret = "test-operator-secret"

	// RFC 7636 appendix B example pair.
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func newTestHandler(t *testing.T) (*Handler, *token.Signer) {
	t.Helper()

	signer, err := token.NewSigner(testSecret)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	srv, err := NewServer(signer, &Config{Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return NewHandler(srv), signer
}

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// authorize runs a GET /oauth/authorize and returns the recorder.
func authorize(t *testing.T, h *Handler, params url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	h.ServeAuthorization(rec, req)
	return rec
}

// codeFromRedirect extracts the code parameter from a 302 Location header.
func codeFromRedirect(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect location %q carries no code", loc)
	}
	return code
}

// exchangeForm runs a form-encoded POST /oauth/token.
func exchangeForm(t *testing.T, h *Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeToken(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error response is not valid JSON: %v (body %q)", err, rec.Body.String())
	}
	return resp
}

func TestValidatePKCE_RFCVector(t *testing.T) {
	if err := validatePKCE(rfcChallenge, rfcVerifier); err != nil {
		t.Fatalf("RFC 7636 example pair rejected: %v", err)
	}
}

func TestValidatePKCE_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		verifier  string
	}{
		{"too short", rfcChallenge, "short"},
		{"too long", rfcChallenge, strings.Repeat("a", 129)},
		{"invalid characters", rfcChallenge, strings.Repeat("a", 42) + "!"},
		{"wrong verifier", rfcChallenge, strings.Repeat("a", 43)},
		{"empty challenge", "", rfcVerifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validatePKCE(tt.challenge, tt.verifier); err == nil {
				t.Error("expected validation failure, got nil")
			}
		})
	}
}

func TestAuthorizationEndpoint_Success(t *testing.T) {
	h, signer := newTestHandler(t)

	rec := authorize(t, h, url.Values{
		"response_type":         {"code"},
		"client_id":             {"client-1"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"code_challenge":        {rfcChallenge},
		"code_challenge_method": {"S256"},
		"state":                 {"xyz"},
	})

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusFound, rec.Body.String())
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != "https://app.example.com/callback" {
		t.Errorf("redirect target = %q", got)
	}
	if got := loc.Query().Get("state"); got != "xyz" {
		t.Errorf("state = %q, want xyz", got)
	}

	payload, err := signer.Verify(loc.Query().Get("code"), token.KindCode)
	if err != nil {
		t.Fatalf("issued code does not verify: %v", err)
	}
	if payload.ClientID != "client-1" {
		t.Errorf("code client_id = %q", payload.ClientID)
	}
	if payload.CodeChallenge != rfcChallenge {
		t.Errorf("code challenge = %q", payload.CodeChallenge)
	}
	if remaining := payload.ExpiresIn(time.Now()); remaining < 290 || remaining > 300 {
		t.Errorf("code lifetime = %ds, want about 300", remaining)
	}
}

func TestAuthorizationEndpoint_PreservesRedirectQuery(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := authorize(t, h, url.Values{
		"response_type":  {"code"},
		"client_id":      {"client-1"},
		"redirect_uri":   {"https://app.example.com/callback?env=prod"},
		"code_challenge": {rfcChallenge},
	})

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if got := loc.Query().Get("env"); got != "prod" {
		t.Errorf("existing redirect_uri query lost: env = %q", got)
	}
}

func TestAuthorizationEndpoint_Validation(t *testing.T) {
	base := url.Values{
		"response_type":  {"code"},
		"client_id":      {"client-1"},
		"redirect_uri":   {"https://app.example.com/callback"},
		"code_challenge": {rfcChallenge},
	}

	tests := []struct {
		name     string
		mutate   func(url.Values)
		wantCode string
	}{
		{"missing response_type", func(v url.Values) { v.Del("response_type") }, ErrorCodeInvalidRequest},
		{"token response_type", func(v url.Values) { v.Set("response_type", "token") }, ErrorCodeUnsupportedResponseType},
		{"missing client_id", func(v url.Values) { v.Del("client_id") }, ErrorCodeInvalidRequest},
		{"missing redirect_uri", func(v url.Values) { v.Del("redirect_uri") }, ErrorCodeInvalidRequest},
		{"missing code_challenge", func(v url.Values) { v.Del("code_challenge") }, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t)

			params := url.Values{}
			for k, vs := range base {
				params[k] = vs
			}
			tt.mutate(params)

			rec := authorize(t, h, params)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if resp := decodeError(t, rec); resp.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestAuthorizationEndpoint_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/authorize", nil)
	rec := httptest.NewRecorder()
	h.ServeAuthorization(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != ErrorCodeMethodNotAllowed {
		t.Errorf("error = %q, want method_not_allowed", resp.Error)
	}
}

func TestTokenEndpoint_FormExchange(t *testing.T) {
	h, signer := newTestHandler(t)

	rec := authorize(t, h, url.Values{
		"response_type":  {"code"},
		"client_id":      {"client-1"},
		"redirect_uri":   {"https://app.example.com/callback"},
		"code_challenge": {rfcChallenge},
	})
	code := codeFromRedirect(t, rec)

	rec = exchangeForm(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {rfcVerifier},
		"client_id":     {"client-1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 604800 {
		t.Errorf("expires_in = %d, want 604800", resp.ExpiresIn)
	}

	payload, err := signer.Verify(resp.AccessToken, token.KindAccess)
	if err != nil {
		t.Fatalf("issued access token does not verify: %v", err)
	}
	if payload.ClientID != "client-1" {
		t.Errorf("access token client_id = %q", payload.ClientID)
	}
}

func TestTokenEndpoint_JSONExchange(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := authorize(t, h, url.Values{
		"response_type":  {"code"},
		"client_id":      {"client-1"},
		"redirect_uri":   {"https://app.example.com/callback"},
		"code_challenge": {rfcChallenge},
	})
	code := codeFromRedirect(t, rec)

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"code_verifier": rfcVerifier,
		"client_id":     "client-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
}

func TestTokenEndpoint_Rejections(t *testing.T) {
	h, signer := newTestHandler(t)

	rec := authorize(t, h, url.Values{
		"response_type":  {"code"},
		"client_id":      {"client-1"},
		"redirect_uri":   {"https://app.example.com/callback"},
		"code_challenge": {rfcChallenge},
	})
	code := codeFromRedirect(t, rec)

	expiredCode, err := signer.Sign(token.Payload{
		Kind:          token.KindCode,
		ClientID:      "client-1",
		CodeChallenge: rfcChallenge,
		ExpiresAt:     time.Now().Add(-time.Minute).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("failed to sign expired code: %v", err)
	}

	accessAsCode, err := signer.Sign(token.Payload{
		Kind:      token.KindAccess,
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("failed to sign access token: %v", err)
	}

	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantCode   string
	}{
		{
			"wrong grant_type",
			url.Values{"grant_type": {"client_credentials"}, "code": {code}, "code_verifier": {rfcVerifier}, "client_id": {"client-1"}},
			http.StatusBadRequest, ErrorCodeUnsupportedGrantType,
		},
		{
			"missing code",
			url.Values{"grant_type": {"authorization_code"}, "code_verifier": {rfcVerifier}, "client_id": {"client-1"}},
			http.StatusBadRequest, ErrorCodeInvalidRequest,
		},
		{
			"missing code_verifier",
			url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {"client-1"}},
			http.StatusBadRequest, ErrorCodeInvalidRequest,
		},
		{
			"missing client_id",
			url.Values{"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {rfcVerifier}},
			http.StatusBadRequest, ErrorCodeInvalidRequest,
		},
		{
			"garbage code",
			url.Values{"grant_type": {"authorization_code"}, "code": {"not-a-token"}, "code_verifier": {rfcVerifier}, "client_id": {"client-1"}},
			http.StatusBadRequest, ErrorCodeInvalidGrant,
		},
		{
			"expired code",
			url.Values{"grant_type": {"authorization_code"}, "code": {expiredCode}, "code_verifier": {rfcVerifier}, "client_id": {"client-1"}},
			http.StatusBadRequest, ErrorCodeInvalidGrant,
		},
		{
			"access token presented as code",
			url.Values{"grant_type": {"authorization_code"}, "code": {accessAsCode}, "code_verifier": {rfcVerifier}, "client_id": {"client-1"}},
			http.StatusBadRequest, ErrorCodeInvalidGrant,
		},
		{
			"wrong verifier",
			url.Values{"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {strings.Repeat("b", 43)}, "client_id": {"client-1"}},
			http.StatusBadRequest, ErrorCodeInvalidGrant,
		},
		{
			"client_id mismatch",
			url.Values{"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {rfcVerifier}, "client_id": {"someone-else"}},
			http.StatusBadRequest, ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := exchangeForm(t, h, tt.form)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestResourceGate(t *testing.T) {
	h, signer := newTestHandler(t)

	var gotClientID string
	protected := h.RequireAccessToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClientID = ClientIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := authorize(t, h, url.Values{
		"response_type":  {"code"},
		"client_id":      {"client-1"},
		"redirect_uri":   {"https://app.example.com/callback"},
		"code_challenge": {rfcChallenge},
	})
	code := codeFromRedirect(t, rec)

	rec = exchangeForm(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {rfcVerifier},
		"client_id":     {"client-1"},
	})
	var tok TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("valid token rejected: status = %d (body %q)", rec.Code, rec.Body.String())
	}
	if gotClientID != "client-1" {
		t.Errorf("client ID in context = %q, want client-1", gotClientID)
	}

	expired, err := signer.Sign(token.Payload{
		Kind:      token.KindAccess,
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(-time.Second).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("failed to sign expired token: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer garbage"},
		{"expired token", "Bearer " + expired},
		{"authorization code as bearer", "Bearer " + code},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, "Bearer") {
				t.Errorf("WWW-Authenticate = %q, want Bearer challenge", got)
			}
			if resp := decodeError(t, rec); resp.Error != ErrorCodeInvalidToken {
				t.Errorf("error = %q, want invalid_token", resp.Error)
			}
		})
	}
}

func TestClientIsolation(t *testing.T) {
	h, signer := newTestHandler(t)

	clients := []string{"alpha", "beta", "gamma", "delta"}
	verifiers := map[string]string{}
	for i, c := range clients {
		verifiers[c] = strings.Repeat(string(rune('a'+i)), 43)
	}

	for _, c := range clients {
		rec := authorize(t, h, url.Values{
			"response_type":  {"code"},
			"client_id":      {c},
			"redirect_uri":   {"https://app.example.com/callback"},
			"code_challenge": {challengeFor(verifiers[c])},
		})
		code := codeFromRedirect(t, rec)

		rec = exchangeForm(t, h, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"code_verifier": {verifiers[c]},
			"client_id":     {c},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("exchange for %q failed: %d (body %q)", c, rec.Code, rec.Body.String())
		}

		var resp TokenResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode token response: %v", err)
		}
		payload, err := signer.Verify(resp.AccessToken, token.KindAccess)
		if err != nil {
			t.Fatalf("access token for %q does not verify: %v", c, err)
		}
		if payload.ClientID != c {
			t.Errorf("token minted for %q carries client_id %q", c, payload.ClientID)
		}
	}
}

func TestClientRegistration(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"client_name":"My Agent","redirect_uris":["https://app.example.com/callback"]}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeClientRegistration(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %q)", rec.Code, rec.Body.String())
	}

	var resp ClientRegistrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode registration response: %v", err)
	}
	if resp.ClientID == "" {
		t.Error("client_id is empty")
	}
	if resp.ClientName != "My Agent" {
		t.Errorf("client_name = %q", resp.ClientName)
	}
	if resp.TokenEndpointAuthMethod != "none" {
		t.Errorf("token_endpoint_auth_method = %q, want none", resp.TokenEndpointAuthMethod)
	}

	// Two registrations never collide.
	req = httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec2 := httptest.NewRecorder()
	h.ServeClientRegistration(rec2, req)

	var resp2 ClientRegistrationResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp2); err != nil {
		t.Fatalf("failed to decode second registration: %v", err)
	}
	if resp.ClientID == resp2.ClientID {
		t.Error("two registrations returned the same client_id")
	}
}

func TestMetadataDocuments(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	h.ServeMetadata(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var meta AuthorizationServerMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	if meta.Issuer != testIssuer {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.AuthorizationEndpoint != testIssuer+"/oauth/authorize" {
		t.Errorf("authorization_endpoint = %q", meta.AuthorizationEndpoint)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}

	req = httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rec = httptest.NewRecorder()
	h.ServeResourceMetadata(rec, req)

	var res ProtectedResourceMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("failed to decode resource metadata: %v", err)
	}
	if len(res.AuthorizationServers) != 1 || res.AuthorizationServers[0] != testIssuer {
		t.Errorf("authorization_servers = %v", res.AuthorizationServers)
	}
	if res.Resource != testIssuer+"/mcp" {
		t.Errorf("resource = %q", res.Resource)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestHandler(t)

	endpoints := map[string]http.HandlerFunc{
		"/oauth/authorize": h.ServeAuthorization,
		"/oauth/token":     h.ServeToken,
		"/oauth/register":  h.ServeClientRegistration,
		"/.well-known/oauth-authorization-server": h.ServeMetadata,
	}

	for path, handler := range endpoints {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, path, nil)
			req.Header.Set("Origin", "https://app.example.com")
			rec := httptest.NewRecorder()
			handler(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
			}
			if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Mcp-Session-Id") {
				t.Errorf("Access-Control-Expose-Headers = %q, want Mcp-Session-Id", got)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("preflight response has a body: %q", rec.Body.String())
			}
		})
	}
}

func TestErrorResponsesCarryCORSHeaders(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := exchangeForm(t, h, url.Values{"grant_type": {"password"}})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("error response Access-Control-Allow-Origin = %q, want *", got)
	}
}
