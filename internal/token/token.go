// Package token implements the stateless credential format used by the
// OAuth endpoints: a JSON payload signed with HMAC-SHA256 and packaged as
// an opaque base64url string. A credential's validity is fully determined
// by its own signed contents plus the current time; no server-side record
// exists for any issued code or access token.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Kind discriminates the two credential namespaces. Codes and access
// tokens share one signing key, so the kind must be embedded in the signed
// payload: without it a leaked authorization code could be presented
// directly as an access token.
type Kind string

const (
	// KindCode marks short-lived authorization codes.
	KindCode Kind = "code"

	// KindAccess marks bearer access tokens.
	KindAccess Kind = "access"
)

// Verification errors. Handlers map all of these onto the OAuth error
// taxonomy; none of them reaches a client verbatim.
var (
	// ErrMalformed indicates the token could not be decoded at all.
	ErrMalformed = errors.New("token: malformed token")

	// ErrBadSignature indicates the MAC did not verify.
	ErrBadSignature = errors.New("token: signature mismatch")

	// ErrWrongKind indicates a valid token presented in the wrong slot
	// (e.g. an authorization code used as an access token).
	ErrWrongKind = errors.New("token: wrong token kind")

	// ErrExpired indicates the token's deadline has passed.
	ErrExpired = errors.New("token: token expired")
)

const signingKeySize = 32

// hkdfInfo domain-separates the signing key from any other key material
// derived from the same operator secret.
const hkdfInfo = "crm-mcp/token-signing/v1"

// Payload is the logical content of a signed credential. It is never
// stored; it exists only inside a signed token and is immutable after
// signing.
type Payload struct {
	// Kind is the credential namespace ("code" or "access").
	Kind Kind `json:"kind"`

	// ClientID is the opaque identifier supplied by the requesting client.
	ClientID string `json:"client_id"`

	// CodeChallenge binds an authorization code to a PKCE verifier.
	// Present only on code payloads.
	CodeChallenge string `json:"code_challenge,omitempty"`

	// CodeChallengeMethod is the PKCE transform advertised at issuance.
	// Present only on code payloads.
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// RedirectURI is informational: no client registry exists to enforce
	// it against. Present only on code payloads.
	RedirectURI string `json:"redirect_uri,omitempty"`

	// ExpiresAt is the absolute deadline in epoch milliseconds.
	ExpiresAt int64 `json:"expires_at"`
}

// ExpiresIn returns the remaining lifetime relative to now, truncated to
// seconds. Negative results are possible for expired payloads.
func (p Payload) ExpiresIn(now time.Time) int64 {
	return (p.ExpiresAt - now.UnixMilli()) / 1000
}

// Signer produces and verifies signed credentials. The signing key is
// derived once from the operator secret and is read-only afterwards, so a
// Signer is safe for unlimited concurrent use. Any process derived from
// the same secret can verify tokens issued by any other.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner derives the process signing key from the operator secret
// using HKDF-SHA256. An empty secret is refused: running with a guessable
// key would make every issued credential forgeable.
func NewSigner(secret string) (*Signer, error) {
	return NewSignerWithClock(secret, time.Now)
}

// NewSignerWithClock is NewSigner with an injectable time source for
// deterministic expiry tests.
func NewSignerWithClock(secret string, now func() time.Time) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("token: operator secret is required")
	}
	if now == nil {
		now = time.Now
	}

	key := make([]byte, signingKeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("token: failed to derive signing key: %w", err)
	}

	return &Signer{key: key, now: now}, nil
}

// Sign serializes the payload and packages it with its MAC as a single
// opaque string: base64url(payload) "." base64url(HMAC-SHA256(payload)).
func (s *Signer) Sign(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("token: failed to serialize payload: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(data) + "." +
		base64.RawURLEncoding.EncodeToString(s.mac(data)), nil
}

// Verify decodes a token, checks its MAC in constant time, and enforces
// the kind discriminator and expiry deadline. A non-nil payload is
// returned only when every check passes.
//
// The MAC check is constant-time by construction (hmac.Equal): a naive
// byte comparison would leak the correct MAC byte-by-byte through timing.
func (s *Signer) Verify(tok string, kind Kind) (*Payload, error) {
	dataPart, macPart, ok := strings.Cut(tok, ".")
	if !ok {
		return nil, ErrMalformed
	}

	data, err := base64.RawURLEncoding.DecodeString(dataPart)
	if err != nil {
		return nil, ErrMalformed
	}
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return nil, ErrMalformed
	}

	if !hmac.Equal(mac, s.mac(data)) {
		return nil, ErrBadSignature
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrMalformed
	}

	if p.Kind != kind {
		return nil, ErrWrongKind
	}
	if s.now().UnixMilli() >= p.ExpiresAt {
		return nil, ErrExpired
	}

	return &p, nil
}

func (s *Signer) mac(data []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return h.Sum(nil)
}
