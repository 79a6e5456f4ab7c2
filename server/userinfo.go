package server

import (
	"context"
	"strings"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/security"
)

// UserInfo resolves an access token into the subject's claims, filtered to
// the user claims associated with the token's scopes (OIDC Core §5.3). The
// sub claim is always present.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if accessToken == "" {
		return nil, tokensmith.ErrInvalidToken("access token is required")
	}

	subject, scopes, claims, err := s.resolveAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, tokensmith.ErrInvalidToken("token has no subject")
	}
	if !scopesContain(scopes, []string{ScopeOpenID}) {
		return nil, tokensmith.ErrInvalidToken("token does not grant openid")
	}

	allowed, err := s.allowedUserClaims(ctx, scopes)
	if err != nil {
		return nil, tokensmith.ErrServerError("failed to resolve claims")
	}

	response := map[string]any{"sub": subject}
	for _, claim := range claims {
		if claim.Type == "sub" || !allowed[claim.Type] {
			continue
		}
		addClaimValue(response, claim.Type, claim.Value)
	}
	return response, nil
}

// resolveAccessToken dereferences a reference handle or verifies a JWT and
// returns the subject, scopes, and claim set.
func (s *Server) resolveAccessToken(ctx context.Context, accessToken string) (string, []string, []tokensmith.Claim, error) {
	if token, err := s.referenceTokens.Get(ctx, accessToken); err == nil {
		if security.IsExpiredWithGracePeriod(token.Expiration(), s.clock.Now(), s.gracePeriod()) {
			return "", nil, nil, tokensmith.ErrInvalidToken("token is expired")
		}
		return token.SubjectID, token.Scopes, token.Claims, nil
	}

	if strings.Count(accessToken, ".") != 2 {
		return "", nil, nil, tokensmith.ErrInvalidToken("token is invalid")
	}
	parsed, err := s.tokenService.ParseToken(accessToken)
	if err != nil {
		return "", nil, nil, tokensmith.ErrInvalidToken("token is invalid")
	}

	subject, _ := parsed["sub"].(string)
	scope, _ := parsed["scope"].(string)

	var claims []tokensmith.Claim
	for claimType, value := range parsed {
		if registeredJWTClaim(claimType) {
			continue
		}
		switch v := value.(type) {
		case string:
			claims = append(claims, tokensmith.Claim{Type: claimType, Value: v})
		case []any:
			for _, item := range v {
				if sv, ok := item.(string); ok {
					claims = append(claims, tokensmith.Claim{Type: claimType, Value: sv})
				}
			}
		}
	}
	return subject, parseScopeParam(scope), claims, nil
}

// allowedUserClaims collects the user claim types associated with the
// resources that define the token's scopes.
func (s *Server) allowedUserClaims(ctx context.Context, scopes []string) (map[string]bool, error) {
	resources, err := s.resources.FindResourcesByScopes(ctx, scopes)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool)
	for _, resource := range resources {
		for _, claimType := range resource.UserClaims {
			allowed[claimType] = true
		}
	}
	return allowed, nil
}

// addClaimValue inserts a claim, promoting to an array on repeated types
func addClaimValue(response map[string]any, claimType, value string) {
	existing, ok := response[claimType]
	if !ok {
		response[claimType] = value
		return
	}
	switch v := existing.(type) {
	case string:
		response[claimType] = []string{v, value}
	case []string:
		response[claimType] = append(v, value)
	}
}

// registeredJWTClaim reports whether the claim is part of the token's
// protocol envelope rather than subject data
func registeredJWTClaim(claimType string) bool {
	switch claimType {
	case "iss", "aud", "exp", "iat", "nbf", "jti", "client_id", "scope", "sid", "nonce", "auth_time":
		return true
	}
	return false
}
