package tokensmith

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants (RFC 6749 §5.2, RFC 8628 §3.5, RFC 8707)
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidTarget        = "invalid_target"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeServerError          = "server_error"
)

// OAuthError represents an OAuth 2.0 protocol error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed. The description
	// never distinguishes an unknown client from a bad credential.
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates the grant is invalid, expired, consumed, or revoked
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidTarget indicates the requested resource indicator is unknown
	ErrInvalidTarget = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidTarget, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the grant type is not permitted for this client
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusBadRequest)
	}

	// ErrAuthorizationPending indicates the user has not yet acted on a device authorization
	ErrAuthorizationPending = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAuthorizationPending, desc, http.StatusBadRequest)
	}

	// ErrSlowDown indicates the device is polling faster than the allowed interval
	ErrSlowDown = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeSlowDown, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates a bearer token is missing, expired, or revoked
	// (RFC 6750 §3.1)
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrExpiredToken indicates the device code has expired
	ErrExpiredToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeExpiredToken, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an unexpected collaborator failure
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
