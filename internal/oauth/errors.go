package oauth

import (
	"fmt"
	"net/http"
)

// OAuth error codes returned in the "error" field of JSON error responses.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeMethodNotAllowed        = "method_not_allowed"
	ErrorCodeInternal                = "internal"
)

// Error is an OAuth 2.0 protocol error carrying its HTTP status. Every
// verification failure inside the server is converted to one of these;
// nothing propagates to a client as a stack trace or internal detail.
type Error struct {
	Code        string // OAuth error code (e.g. "invalid_request")
	Description string // human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth error.
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// Constructor helpers for the common cases.
var (
	// ErrInvalidRequest indicates missing or malformed parameters.
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates a response_type other than "code".
	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates a grant_type other than
	// "authorization_code".
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code is invalid, expired,
	// of the wrong kind, or failed its PKCE check.
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the bearer access token was rejected.
	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInternal indicates an unexpected failure, e.g. a request body that
	// could not be read.
	ErrInternal = func(desc string) *Error {
		return NewError(ErrorCodeInternal, desc, http.StatusBadRequest)
	}
)
