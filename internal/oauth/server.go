// Package oauth implements a stateless OAuth 2.0 authorization server
// guarding the MCP tool surface. Authorization codes and access tokens are
// self-contained HMAC-signed payloads, so any number of replicas can verify
// what any other replica issued with nothing shared but the signing secret.
package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelbridge/crm-mcp/internal/instrumentation"
	"github.com/modelbridge/crm-mcp/internal/security"
	"github.com/modelbridge/crm-mcp/internal/token"
)

// Server implements the authorization and token endpoints plus bearer
// validation for the protected resource. It holds no per-flow state.
type Server struct {
	signer  *token.Signer
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	now     func() time.Time
}

// NewServer creates an authorization server signing with the given signer.
func NewServer(signer *token.Signer, config *Config) (*Server, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if config.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	return &Server{
		signer:  signer,
		config:  config,
		logger:  config.Logger,
		auditor: config.Auditor,
		inst:    config.Instrumentation,
		now:     time.Now,
	}, nil
}

// IssueAuthorizationCode mints a signed authorization code binding the
// client, its PKCE challenge, and the redirect URI. Nothing is stored; the
// code itself carries everything the token endpoint will need.
func (s *Server) IssueAuthorizationCode(ctx context.Context, clientID, redirectURI, codeChallenge, challengeMethod string) (string, error) {
	if challengeMethod == "" {
		challengeMethod = PKCEMethodS256
	}

	code, err := s.signer.Sign(token.Payload{
		Kind:                token.KindCode,
		ClientID:            clientID,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: challengeMethod,
		RedirectURI:         redirectURI,
		ExpiresAt:           s.now().Add(s.config.CodeTTL).UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization code: %w", err)
	}

	if s.inst != nil {
		s.inst.Metrics().RecordCodeIssued(ctx, clientID)
	}
	s.logger.Info("authorization code issued",
		"client_id", clientID,
		"challenge_method", challengeMethod,
	)

	return code, nil
}

// ExchangeAuthorizationCode validates a code and its PKCE verifier and mints
// an access token bound to the code's client. Every rejection is reported as
// invalid_grant; the audit log carries the precise reason.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, verifier, clientIP string) (*oauth2.Token, error) {
	payload, err := s.signer.Verify(code, token.KindCode)
	if err != nil {
		s.auditor.LogExchangeFailure(clientID, clientIP, err.Error())
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	if subtle.ConstantTimeCompare([]byte(payload.ClientID), []byte(clientID)) != 1 {
		s.auditor.LogExchangeFailure(clientID, clientIP, "client_id mismatch")
		return nil, ErrInvalidGrant("client_id does not match authorization code")
	}

	if err := validatePKCE(payload.CodeChallenge, verifier); err != nil {
		if s.inst != nil {
			s.inst.Metrics().RecordPKCEFailure(ctx, clientID)
		}
		s.auditor.LogExchangeFailure(clientID, clientIP, err.Error())
		return nil, ErrInvalidGrant("PKCE verification failed: " + err.Error())
	}

	expiry := s.now().Add(s.config.AccessTokenTTL)
	access, err := s.signer.Sign(token.Payload{
		Kind:      token.KindAccess,
		ClientID:  payload.ClientID,
		ExpiresAt: expiry.UnixMilli(),
	})
	if err != nil {
		return nil, NewError(ErrorCodeInternal, "failed to sign access token", 500)
	}

	if s.inst != nil {
		s.inst.Metrics().RecordTokenIssued(ctx, payload.ClientID)
	}
	s.auditor.LogCodeExchanged(payload.ClientID, clientIP)
	s.logger.Info("access token issued", "client_id", payload.ClientID)

	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}

// Authenticate validates a bearer access token and returns its payload.
func (s *Server) Authenticate(ctx context.Context, accessToken string) (*token.Payload, error) {
	payload, err := s.signer.Verify(accessToken, token.KindAccess)
	if err != nil {
		if s.inst != nil {
			s.inst.Metrics().RecordGateRejection(ctx, rejectionReason(err))
		}
		return nil, ErrInvalidToken("access token is invalid or expired")
	}
	return payload, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrWrongKind):
		return "wrong_kind"
	case errors.Is(err, token.ErrBadSignature):
		return "bad_signature"
	default:
		return "malformed"
	}
}

// Metadata returns the RFC 8414 authorization server metadata document.
func (s *Server) Metadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            s.config.Issuer,
		AuthorizationEndpoint:             s.config.Issuer + "/oauth/authorize",
		TokenEndpoint:                     s.config.Issuer + "/oauth/token",
		RegistrationEndpoint:              s.config.Issuer + "/oauth/register",
		ResponseTypesSupported:            []string{ResponseTypeCode},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// ResourceMetadata returns the RFC 9728 protected resource metadata document.
func (s *Server) ResourceMetadata() ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               s.config.Resource,
		AuthorizationServers:   []string{s.config.Issuer},
		BearerMethodsSupported: []string{"header"},
	}
}

// validatePKCE checks a code verifier against the challenge stored in the
// authorization code. The S256 transform is applied unconditionally: plain
// was never issued by this server and is not honored on verification.
func validatePKCE(challenge, verifier string) error {
	if len(verifier) < 43 || len(verifier) > 128 {
		return errors.New("code_verifier must be 43-128 characters")
	}
	for _, c := range verifier {
		if !isVerifierChar(c) {
			return errors.New("code_verifier contains invalid characters")
		}
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errors.New("code_verifier does not match code_challenge")
	}
	return nil
}

// isVerifierChar reports whether c is in the RFC 7636 unreserved set.
func isVerifierChar(c rune) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}
