package server

import (
	"context"
	"errors"
	"fmt"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/storage"
)

// AuthorizeRequest carries the validated-and-parsed parameters of an
// authorization request. The host has already authenticated the end user.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Subject identifies the authenticated end user behind an authorization
type Subject struct {
	// ID is the subject identifier
	ID string

	// SessionID ties issued grants to the authentication session
	SessionID string

	// AuthTime is when the user last actively authenticated (unix seconds)
	AuthTime int64
}

// AuthorizeResponse is the outcome of a successful authorization request
type AuthorizeResponse struct {
	// Code is the authorization code handle, empty when consent is required
	Code string

	// State echoes the request's state parameter
	State string

	// Scopes are the granted scopes
	Scopes []string

	// ConsentRequired is set when the client demands consent and the subject
	// has none on file covering the requested scopes. The host renders its
	// consent UI and calls StoreConsent before retrying.
	ConsentRequired bool
}

// Authorize validates an authorization request and, when the client does not
// need fresh consent, issues a single-use authorization code bound to the
// request's redirect URI and PKCE challenge.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, subject *Subject) (*AuthorizeResponse, error) {
	if subject == nil || subject.ID == "" {
		return nil, tokensmith.ErrServerError("authorization requires an authenticated subject")
	}

	client, err := s.clients.FindClientByID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, tokensmith.ErrInvalidRequest("unknown client")
		}
		return nil, err
	}

	if req.ResponseType != "code" {
		return nil, tokensmith.ErrInvalidRequest(fmt.Sprintf("unsupported response_type: %s", req.ResponseType))
	}
	if !client.AllowsGrantType(tokensmith.GrantTypeAuthorizationCode) {
		return nil, tokensmith.ErrUnauthorizedClient("client may not use the authorization code grant")
	}

	scopes := parseScopeParam(req.Scope)
	if _, err := s.validateScopes(ctx, client, scopes); err != nil {
		return nil, tokensmith.ErrInvalidScope(err.Error())
	}

	if err := validateRedirectURI(client, req.RedirectURI); err != nil {
		// The redirect URI cannot be trusted, so the error must not be
		// delivered there; the host shows it directly.
		return nil, tokensmith.ErrInvalidRequest(err.Error())
	}

	if err := s.validatePKCEChallenge(client, req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return nil, tokensmith.ErrInvalidRequest(err.Error())
	}

	if client.RequireConsent {
		granted, err := s.hasConsent(ctx, subject.ID, client.ID, scopes)
		if err != nil {
			return nil, err
		}
		if !granted {
			return &AuthorizeResponse{State: req.State, Scopes: scopes, ConsentRequired: true}, nil
		}
	}

	now := s.clock.Now().UTC()
	code, err := s.authCodes.Store(ctx, &storage.AuthorizationCode{
		ClientID:            client.ID,
		SubjectID:           subject.ID,
		SessionID:           subject.SessionID,
		Scopes:              scopes,
		RedirectURI:         req.RedirectURI,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreationTime:        now,
		Lifetime:            lifetime(client.AuthorizationCodeLifetime, s.Config.AuthorizationCodeTTL),
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Authorization code issued",
		"client_id", client.ID,
		"scopes", scopes)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordGrantStored(ctx, tokensmith.PersistedGrantTypeAuthorizationCode)
	}

	return &AuthorizeResponse{Code: code, State: req.State, Scopes: scopes}, nil
}

// StoreConsent records the subject's consent decision so later authorization
// requests for a covered scope set proceed without a prompt
func (s *Server) StoreConsent(ctx context.Context, subjectID, clientID string, scopes []string) error {
	now := s.clock.Now().UTC()
	consent := &storage.Consent{
		SubjectID:    subjectID,
		ClientID:     clientID,
		Scopes:       scopes,
		CreationTime: now,
	}
	if s.Config.ConsentLifetime > 0 {
		consent.Expiration = now.Add(secondsToDuration(s.Config.ConsentLifetime))
	}
	return s.consents.Store(ctx, consent)
}

// RevokeConsent withdraws the subject's consent for the client
func (s *Server) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	return s.consents.Remove(ctx, subjectID, clientID)
}

// hasConsent reports whether a live consent record covers every requested scope
func (s *Server) hasConsent(ctx context.Context, subjectID, clientID string, scopes []string) (bool, error) {
	consent, err := s.consents.Get(ctx, subjectID, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !consent.Expiration.IsZero() && s.clock.Now().After(consent.Expiration) {
		return false, nil
	}
	return scopesContain(consent.Scopes, scopes), nil
}
