// Package secrets implements the credential extraction and verification
// pipeline for client and resource authentication.
//
// Parsers extract a credential from an inbound request; they are tried in
// registration order and the first successful extraction wins. Validators
// verify an extracted credential against an entity's registered secrets;
// each validator handles exactly one stored secret type and skips the rest.
// New credential types are added by appending a parser or validator, never
// by modifying the pipeline.
package secrets

import (
	"context"
	"errors"
	"net/url"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
)

// Parsed secret types describe what the transport carried, independent of
// how the registered secret is stored.
const (
	// ParsedSecretTypeShared is a shared secret extracted from the request
	ParsedSecretTypeShared = "shared_secret"

	// ParsedSecretTypeNone is a bare identifier without a credential
	// (public clients)
	ParsedSecretTypeNone = "no_secret"
)

// Sentinel errors
var (
	// ErrNoSecretFound indicates no parser could extract a credential
	ErrNoSecretFound = errors.New("no credential found in request")

	// ErrInvalidSecret indicates the credential did not verify. The error
	// carries no detail about which validators ran or why they failed.
	ErrInvalidSecret = errors.New("invalid credential")

	// ErrMalformedCredential indicates the transport encoding was broken
	ErrMalformedCredential = errors.New("malformed credential")
)

// Request is the transport-independent view of an inbound request that
// parsers operate on: the Authorization header value and the decoded form
// parameters. HTTP routing itself stays outside the engine.
type Request struct {
	// AuthorizationHeader is the raw Authorization header value, if any
	AuthorizationHeader string

	// Form holds the decoded request body parameters
	Form url.Values
}

// ParsedSecret is the credential a parser extracted from a request
type ParsedSecret struct {
	// ID is the client or resource identifier the credential claims
	ID string

	// Credential is the extracted secret material, empty for
	// ParsedSecretTypeNone
	Credential string

	// Type is one of the ParsedSecretType constants
	Type string
}

// Parser extracts a credential from a request. Implementations return
// (nil, nil) when the request does not carry their credential shape, and an
// error only when the shape is present but malformed.
type Parser interface {
	// Parse attempts to extract a credential from the request
	Parse(ctx context.Context, req *Request) (*ParsedSecret, error)
}

// Validator verifies a parsed credential against registered secrets of a
// single stored type. Implementations skip secrets of other types.
type Validator interface {
	// SecretType returns the stored secret type this validator handles
	SecretType() string

	// Validate reports whether the parsed credential matches any of the
	// given registered secrets. Secrets past their expiration never match.
	Validate(ctx context.Context, registered []tokensmith.Secret, parsed *ParsedSecret, now time.Time) (bool, error)
}
