package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/internal/util"
	"github.com/tokensmith/tokensmith/secrets"
	"github.com/tokensmith/tokensmith/security"
	"github.com/tokensmith/tokensmith/storage"
	"github.com/tokensmith/tokensmith/tokens"
)

// TokenRequest carries the parsed parameters of a token request
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	DeviceCode   string
	Scope        string
}

// TokenResponse is a successful token endpoint response (RFC 6749 §5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token processes one token request: it authenticates the client, dispatches
// on grant type, and issues the token response.
func (s *Server) Token(ctx context.Context, credentials *secrets.Request, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.clientAuth.Authenticate(ctx, credentials)
	if err != nil {
		return nil, err
	}

	if req.GrantType == "" {
		return nil, tokensmith.ErrInvalidRequest("grant_type is required")
	}
	if !client.AllowsGrantType(req.GrantType) {
		return nil, tokensmith.ErrUnauthorizedClient("grant type not allowed for this client")
	}

	switch req.GrantType {
	case tokensmith.GrantTypeAuthorizationCode:
		return s.handleAuthorizationCode(ctx, client, req)
	case tokensmith.GrantTypeRefreshToken:
		return s.handleRefreshToken(ctx, client, req)
	case tokensmith.GrantTypeDeviceCode:
		return s.handleDeviceCode(ctx, client, req)
	case tokensmith.GrantTypeClientCredentials:
		return s.handleClientCredentials(ctx, client, req)
	default:
		return nil, tokensmith.ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type: %s", req.GrantType))
	}
}

// handleAuthorizationCode redeems a single-use code. The redemption is the
// store's atomic consume, so a replayed or concurrent second exchange always
// fails, and the checks that follow never weaken that guarantee.
func (s *Server) handleAuthorizationCode(ctx context.Context, client *tokensmith.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, tokensmith.ErrInvalidRequest("code is required")
	}

	code, err := s.authCodes.Redeem(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrGrantConsumed) {
			s.Logger.Warn("Authorization code replay detected", "client_id", client.ID)
			s.Auditor.LogGrantReuse("", client.ID, tokensmith.PersistedGrantTypeAuthorizationCode)
			if s.Instrumentation != nil {
				s.Instrumentation.Metrics().RecordGrantReuseDetected(ctx, tokensmith.PersistedGrantTypeAuthorizationCode)
			}
			return nil, tokensmith.ErrInvalidGrant("invalid authorization code")
		}
		if errors.Is(err, storage.ErrGrantNotFound) {
			return nil, tokensmith.ErrInvalidGrant("invalid authorization code")
		}
		return nil, err
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordGrantConsumed(ctx, tokensmith.PersistedGrantTypeAuthorizationCode)
	}

	now := s.clock.Now()
	if security.IsExpiredWithGracePeriod(code.Expiration(), now, s.gracePeriod()) {
		return nil, tokensmith.ErrInvalidGrant("authorization code expired")
	}
	if code.ClientID != client.ID {
		s.Auditor.LogAuthFailure(code.SubjectID, client.ID, "authorization code issued to another client")
		return nil, tokensmith.ErrInvalidGrant("invalid authorization code")
	}
	if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		return nil, tokensmith.ErrInvalidGrant(err.Error())
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, tokensmith.ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	return s.issueTokens(ctx, client, issuance{
		SubjectID:       code.SubjectID,
		SessionID:       code.SessionID,
		Scopes:          code.Scopes,
		Nonce:           code.Nonce,
		GrantType:       tokensmith.GrantTypeAuthorizationCode,
		IncludeRefresh:  true,
		IncludeIdentity: true,
	})
}

// handleRefreshToken exchanges a refresh token for a new access token. For
// one-time clients the presented handle is consumed atomically and a fresh
// handle is issued; the new handle inherits the original expiry, so rotation
// never extends the grant's life.
func (s *Server) handleRefreshToken(ctx context.Context, client *tokensmith.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, tokensmith.ErrInvalidRequest("refresh_token is required")
	}

	rotate := client.RefreshTokenUsage == tokensmith.RefreshTokenUsageOneTime
	var token *storage.RefreshToken
	var err error
	if rotate {
		token, err = s.refreshTokens.Redeem(ctx, req.RefreshToken)
	} else {
		token, err = s.refreshTokens.Get(ctx, req.RefreshToken)
	}
	if err != nil {
		if errors.Is(err, storage.ErrGrantConsumed) {
			s.Logger.Warn("Refresh token replay detected", "client_id", client.ID)
			s.Auditor.LogGrantReuse("", client.ID, tokensmith.PersistedGrantTypeRefreshToken)
			if s.Instrumentation != nil {
				s.Instrumentation.Metrics().RecordGrantReuseDetected(ctx, tokensmith.PersistedGrantTypeRefreshToken)
			}
			return nil, tokensmith.ErrInvalidGrant("invalid refresh token")
		}
		if errors.Is(err, storage.ErrGrantNotFound) {
			return nil, tokensmith.ErrInvalidGrant("invalid refresh token")
		}
		return nil, err
	}
	if rotate && s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordGrantConsumed(ctx, tokensmith.PersistedGrantTypeRefreshToken)
	}

	now := s.clock.Now()
	if security.IsExpiredWithGracePeriod(token.Expiration(), now, s.gracePeriod()) {
		return nil, tokensmith.ErrInvalidGrant("refresh token expired")
	}
	if token.ClientID != client.ID {
		s.Auditor.LogAuthFailure(token.SubjectID, client.ID, "refresh token issued to another client")
		return nil, tokensmith.ErrInvalidGrant("invalid refresh token")
	}

	// The client may narrow, never widen, the original scope set.
	scopes := token.Scopes
	if req.Scope != "" {
		requested := parseScopeParam(req.Scope)
		if !scopesContain(token.Scopes, requested) {
			return nil, tokensmith.ErrInvalidScope("requested scope exceeds the original grant")
		}
		scopes = requested
	}

	response, err := s.issueTokens(ctx, client, issuance{
		SubjectID:       token.SubjectID,
		SessionID:       token.SessionID,
		Scopes:          scopes,
		GrantType:       tokensmith.GrantTypeRefreshToken,
		IncludeIdentity: true,
	})
	if err != nil {
		return nil, err
	}

	if rotate {
		rotated, err := s.refreshTokens.Store(ctx, &storage.RefreshToken{
			ClientID:        token.ClientID,
			SubjectID:       token.SubjectID,
			SessionID:       token.SessionID,
			Scopes:          token.Scopes,
			AccessTokenType: token.AccessTokenType,
			CreationTime:    token.CreationTime,
			Lifetime:        token.Lifetime,
		})
		if err != nil {
			return nil, err
		}
		response.RefreshToken = rotated
	} else {
		response.RefreshToken = req.RefreshToken
	}

	s.Auditor.LogTokenRefreshed(token.SubjectID, client.ID, rotate)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRefresh(ctx, client.ID, rotate)
	}
	return response, nil
}

// handleDeviceCode delegates the state machine to the device flow engine and
// issues tokens once the user has authorized
func (s *Server) handleDeviceCode(ctx context.Context, client *tokensmith.Client, req *TokenRequest) (*TokenResponse, error) {
	if s.deviceEngine == nil {
		return nil, tokensmith.ErrUnsupportedGrantType("device authorization is not configured")
	}
	if req.DeviceCode == "" {
		return nil, tokensmith.ErrInvalidRequest("device_code is required")
	}

	codes, err := s.deviceEngine.Poll(ctx, client, req.DeviceCode)
	if err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, client, issuance{
		SubjectID:       codes.SubjectID,
		SessionID:       codes.SessionID,
		Scopes:          codes.Scopes,
		GrantType:       tokensmith.GrantTypeDeviceCode,
		IncludeRefresh:  true,
		IncludeIdentity: true,
	})
}

// handleClientCredentials issues a machine token: no subject, no refresh
// token, no identity token
func (s *Server) handleClientCredentials(ctx context.Context, client *tokensmith.Client, req *TokenRequest) (*TokenResponse, error) {
	if client.IsPublic() {
		return nil, tokensmith.ErrUnauthorizedClient("public clients may not use client_credentials")
	}

	scopes := parseScopeParam(req.Scope)
	if _, err := s.validateScopes(ctx, client, scopes); err != nil {
		return nil, tokensmith.ErrInvalidScope(err.Error())
	}

	return s.issueTokens(ctx, client, issuance{
		Scopes:    scopes,
		GrantType: tokensmith.GrantTypeClientCredentials,
	})
}

// issuance is one resolved grant ready for token generation
type issuance struct {
	SubjectID       string
	SessionID       string
	Scopes          []string
	Nonce           string
	GrantType       string
	IncludeRefresh  bool
	IncludeIdentity bool
}

func (s *Server) issueTokens(ctx context.Context, client *tokensmith.Client, grant issuance) (*TokenResponse, error) {
	now := s.clock.Now().UTC()

	audiences, err := s.validateScopes(ctx, client, grant.Scopes)
	if err != nil {
		return nil, tokensmith.ErrInvalidScope(err.Error())
	}

	algorithm, err := s.tokenService.SelectAlgorithm(client.AllowedSigningAlgorithms)
	if err != nil {
		// A key/allow-list mismatch is a deployment error, not the caller's.
		s.Logger.Error("No signing key satisfies the client's algorithm allow-list",
			"client_id", client.ID,
			"allowed", client.AllowedSigningAlgorithms)
		return nil, tokensmith.ErrServerError("token signing is misconfigured")
	}

	accessLifetime := lifetime(client.AccessTokenLifetime, s.Config.AccessTokenTTL)
	accessToken, err := s.tokenService.CreateToken(ctx, &tokensmith.Token{
		Type:             tokensmith.TokenTypeAccess,
		Issuer:           s.Config.Issuer,
		Audiences:        audiences,
		ClientID:         client.ID,
		SubjectID:        grant.SubjectID,
		SessionID:        grant.SessionID,
		Scopes:           grant.Scopes,
		CreationTime:     now,
		Lifetime:         accessLifetime,
		SigningAlgorithm: algorithm,
		AccessTokenType:  client.AccessTokenType,
	})
	if err != nil {
		if errors.Is(err, tokens.ErrAlgorithmNotAllowed) {
			return nil, tokensmith.ErrServerError("token signing is misconfigured")
		}
		return nil, err
	}

	response := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   accessLifetime,
		Scope:       util.JoinScopes(grant.Scopes),
	}

	if grant.IncludeRefresh && grant.SubjectID != "" && client.AllowsGrantType(tokensmith.GrantTypeRefreshToken) {
		refreshToken, err := s.refreshTokens.Store(ctx, &storage.RefreshToken{
			ClientID:        client.ID,
			SubjectID:       grant.SubjectID,
			SessionID:       grant.SessionID,
			Scopes:          grant.Scopes,
			AccessTokenType: client.AccessTokenType,
			CreationTime:    now,
			Lifetime:        lifetime(client.RefreshTokenLifetime, s.Config.RefreshTokenTTL),
		})
		if err != nil {
			return nil, err
		}
		response.RefreshToken = refreshToken
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordGrantStored(ctx, tokensmith.PersistedGrantTypeRefreshToken)
		}
	}

	if grant.IncludeIdentity && grant.SubjectID != "" && scopesContain(grant.Scopes, []string{ScopeOpenID}) {
		idToken, err := s.tokenService.CreateIDToken(ctx, &tokensmith.Token{
			Issuer:           s.Config.Issuer,
			Audiences:        []string{client.ID},
			ClientID:         client.ID,
			SubjectID:        grant.SubjectID,
			SessionID:        grant.SessionID,
			Nonce:            grant.Nonce,
			CreationTime:     now,
			Lifetime:         lifetime(client.IdentityTokenLifetime, s.Config.IdentityTokenTTL),
			SigningAlgorithm: algorithm,
		}, 0)
		if err != nil {
			return nil, err
		}
		response.IDToken = idToken
	}

	s.Logger.Info("Tokens issued",
		"client_id", client.ID,
		"grant_type", grant.GrantType,
		"scopes", grant.Scopes)
	s.Auditor.LogTokenIssued(grant.SubjectID, client.ID, grant.GrantType, response.Scope)

	return response, nil
}

func (s *Server) gracePeriod() time.Duration {
	return time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
}

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}
