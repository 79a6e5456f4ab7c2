package server

import (
	"context"
	"strings"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/secrets"
	"github.com/tokensmith/tokensmith/security"
)

// IntrospectionRequest carries the parameters of an introspection request
// (RFC 7662)
type IntrospectionRequest struct {
	Token         string
	TokenTypeHint string
}

// IntrospectionResponse is the introspection result. Everything beyond Active
// is only populated for active tokens; an inactive token reveals nothing, not
// even whether it ever existed.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audiences []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Expiry    int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
}

var inactive = &IntrospectionResponse{Active: false}

// Introspect answers whether a token is active for the authenticated
// resource. Unknown, expired, revoked, and foreign tokens all produce the
// same inactive response.
func (s *Server) Introspect(ctx context.Context, credentials *secrets.Request, req *IntrospectionRequest) (*IntrospectionResponse, error) {
	resource, err := s.resourceAuth.Authenticate(ctx, credentials)
	if err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, tokensmith.ErrInvalidRequest("token is required")
	}

	response := s.resolveToken(ctx, req)
	if !response.Active {
		return inactive, nil
	}

	// A resource only learns about tokens that carry one of its scopes.
	if !tokenReachesResource(response.Scope, resource) {
		return inactive, nil
	}
	return response, nil
}

// resolveToken tries the possible representations in order: refresh token
// when hinted, then reference handle, then signed JWT.
func (s *Server) resolveToken(ctx context.Context, req *IntrospectionRequest) *IntrospectionResponse {
	now := s.clock.Now()

	if req.TokenTypeHint == "refresh_token" {
		if resp := s.resolveRefreshToken(ctx, req.Token); resp.Active {
			return resp
		}
	}

	if token, err := s.referenceTokens.Get(ctx, req.Token); err == nil {
		if security.IsExpiredWithGracePeriod(token.Expiration(), now, s.gracePeriod()) {
			return inactive
		}
		return &IntrospectionResponse{
			Active:    true,
			Scope:     strings.Join(token.Scopes, " "),
			ClientID:  token.ClientID,
			Subject:   token.SubjectID,
			Audiences: token.Audiences,
			Issuer:    token.Issuer,
			TokenType: "Bearer",
			Expiry:    token.Expiration().Unix(),
			IssuedAt:  token.CreationTime.Unix(),
		}
	}

	if strings.Count(req.Token, ".") == 2 {
		if claims, err := s.tokenService.ParseToken(req.Token); err == nil {
			resp := &IntrospectionResponse{Active: true, TokenType: "Bearer"}
			if v, ok := claims["scope"].(string); ok {
				resp.Scope = v
			}
			if v, ok := claims["client_id"].(string); ok {
				resp.ClientID = v
			}
			if v, ok := claims["sub"].(string); ok {
				resp.Subject = v
			}
			if v, ok := claims["iss"].(string); ok {
				resp.Issuer = v
			}
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				// The parser already validated exp against the wall clock;
				// this re-check keeps a substituted clock authoritative.
				if security.IsExpiredWithGracePeriod(exp.Time, now, s.gracePeriod()) {
					return inactive
				}
				resp.Expiry = exp.Unix()
			}
			if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
				resp.IssuedAt = iat.Unix()
			}
			if aud, err := claims.GetAudience(); err == nil {
				resp.Audiences = aud
			}
			return resp
		}
	}

	if req.TokenTypeHint != "refresh_token" {
		// The hint only orders the lookups; a wrong hint must not hide the token.
		if resp := s.resolveRefreshToken(ctx, req.Token); resp.Active {
			return resp
		}
	}
	return inactive
}

func (s *Server) resolveRefreshToken(ctx context.Context, handle string) *IntrospectionResponse {
	token, err := s.refreshTokens.Get(ctx, handle)
	if err != nil {
		return inactive
	}
	if security.IsExpiredWithGracePeriod(token.Expiration(), s.clock.Now(), s.gracePeriod()) {
		return inactive
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     strings.Join(token.Scopes, " "),
		ClientID:  token.ClientID,
		Subject:   token.SubjectID,
		TokenType: "refresh_token",
		Expiry:    token.Expiration().Unix(),
		IssuedAt:  token.CreationTime.Unix(),
	}
}

func tokenReachesResource(scope string, resource *tokensmith.Resource) bool {
	for _, s := range parseScopeParam(scope) {
		if resource.HasScope(s) {
			return true
		}
	}
	return false
}
