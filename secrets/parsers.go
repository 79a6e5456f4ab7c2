package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// BasicAuthenticationParser extracts client credentials from an
// Authorization: Basic header per RFC 6749 §2.3.1 (identifier and secret
// are form-urlencoded before base64).
type BasicAuthenticationParser struct{}

// Parse extracts the Basic credential, or (nil, nil) if the header is absent
func (BasicAuthenticationParser) Parse(_ context.Context, req *Request) (*ParsedSecret, error) {
	header := strings.TrimSpace(req.AuthorizationHeader)
	if header == "" {
		return nil, nil
	}

	const scheme = "Basic "
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(scheme):]))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 in basic authentication", ErrMalformedCredential)
	}

	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: malformed basic authentication value", ErrMalformedCredential)
	}

	clientID, err := url.QueryUnescape(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid urlencoding in client id", ErrMalformedCredential)
	}
	clientSecret, err := url.QueryUnescape(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid urlencoding in client secret", ErrMalformedCredential)
	}

	if clientSecret == "" {
		return &ParsedSecret{ID: clientID, Type: ParsedSecretTypeNone}, nil
	}
	return &ParsedSecret{ID: clientID, Credential: clientSecret, Type: ParsedSecretTypeShared}, nil
}

// PostBodyParser extracts client credentials from client_id/client_secret
// form parameters (RFC 6749 §2.3.1). A client_id without a client_secret
// parses as a public client.
type PostBodyParser struct{}

// Parse extracts the form credential, or (nil, nil) if client_id is absent
func (PostBodyParser) Parse(_ context.Context, req *Request) (*ParsedSecret, error) {
	if req.Form == nil {
		return nil, nil
	}

	clientID := req.Form.Get("client_id")
	if clientID == "" {
		return nil, nil
	}

	clientSecret := req.Form.Get("client_secret")
	if clientSecret == "" {
		return &ParsedSecret{ID: clientID, Type: ParsedSecretTypeNone}, nil
	}
	return &ParsedSecret{ID: clientID, Credential: clientSecret, Type: ParsedSecretTypeShared}, nil
}

// Compile-time interface checks
var (
	_ Parser = BasicAuthenticationParser{}
	_ Parser = PostBodyParser{}
)
