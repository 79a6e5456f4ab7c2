package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/internal/util"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// ScopeOpenID is the scope that switches on identity token issuance
const ScopeOpenID = "openid"

// validateRedirectURI checks the URI against the client's registered URIs.
// Matching is exact: no prefix, no wildcard, no normalization.
func validateRedirectURI(client *tokensmith.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return validateRedirectURIFormat(redirectURI)
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

func validateRedirectURIFormat(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}
	return nil
}

// validateScopes checks that every requested scope is allowed for the client
// and resolves the audiences behind them. Unknown scopes that no resource
// defines are allowed only if they are identity scopes the client may request;
// the audiences come from the resources that define the rest.
func (s *Server) validateScopes(ctx context.Context, client *tokensmith.Client, scopes []string) ([]string, error) {
	for _, scope := range scopes {
		if !client.AllowsScope(scope) {
			// Generic wording; allowed scopes must not be enumerable.
			return nil, fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}

	resources, err := s.resources.FindResourcesByScopes(ctx, scopes)
	if err != nil {
		return nil, err
	}
	audiences := make([]string, 0, len(resources))
	for _, resource := range resources {
		audiences = append(audiences, resource.Name)
	}
	return audiences, nil
}

// validatePKCEChallenge checks an authorization request's challenge parameters
func (s *Server) validatePKCEChallenge(client *tokensmith.Client, challenge, method string) error {
	required := s.Config.RequirePKCE || client.RequirePKCE
	if challenge == "" {
		if required {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}

	switch method {
	case tokensmith.CodeChallengeMethodS256:
		return nil
	case tokensmith.CodeChallengeMethodPlain:
		if !s.Config.AllowPKCEPlain || !client.AllowPlainTextPKCE {
			return fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"client_id", client.ID,
			"recommendation", "Upgrade client to use S256")
		return nil
	case "":
		// RFC 7636 defaults an absent method to plain, which is rejected
		// unless explicitly allowed.
		if !s.Config.AllowPKCEPlain || !client.AllowPlainTextPKCE {
			return fmt.Errorf("code_challenge_method is required")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// verifyPKCE validates the token request's code verifier against the stored
// challenge per RFC 7636. The comparison is constant-time.
func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return fmt.Errorf("code_verifier provided but no code_challenge was recorded")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computed string
	switch method {
	case tokensmith.CodeChallengeMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case tokensmith.CodeChallengeMethodPlain, "":
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// parseScopeParam splits a space-delimited scope parameter
func parseScopeParam(scope string) []string {
	return util.ParseScopes(scope)
}

// scopesContain reports whether every member of want appears in have
func scopesContain(have []string, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
