package server

import (
	"context"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/internal/util"
	"github.com/tokensmith/tokensmith/security"
	"github.com/tokensmith/tokensmith/storage"
)

// EndSessionRequest carries the parameters of an OIDC RP-initiated logout
// request. The id_token_hint is the primary evidence of who is logging out.
type EndSessionRequest struct {
	IDTokenHint           string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
}

// EndSessionResponse tells the host where to send the user agent after
// logout. RedirectURI is empty when no valid post-logout target was given.
type EndSessionResponse struct {
	RedirectURI string
	State       string
}

// EndSession terminates the session named by the id_token_hint: every refresh
// and reference token bound to that subject and session is removed. The hint
// may be expired; its signature must still verify.
func (s *Server) EndSession(ctx context.Context, req *EndSessionRequest) (*EndSessionResponse, error) {
	if req.IDTokenHint == "" {
		return nil, tokensmith.ErrInvalidRequest("id_token_hint is required")
	}

	claims, err := s.tokenService.ParseTokenHint(req.IDTokenHint)
	if err != nil {
		return nil, tokensmith.ErrInvalidRequest("invalid id_token_hint")
	}

	subjectID, _ := claims["sub"].(string)
	sessionID, _ := claims["sid"].(string)
	if subjectID == "" {
		return nil, tokensmith.ErrInvalidRequest("id_token_hint has no subject")
	}

	clientID := req.ClientID
	if hintClient := audClientID(claims); hintClient != "" {
		if clientID != "" && clientID != hintClient {
			return nil, tokensmith.ErrInvalidRequest("client_id does not match id_token_hint")
		}
		clientID = hintClient
	}
	if clientID == "" {
		return nil, tokensmith.ErrInvalidRequest("client_id could not be determined")
	}

	client, err := s.clients.FindClientByID(ctx, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, tokensmith.ErrInvalidRequest("unknown client")
		}
		return nil, err
	}

	response := &EndSessionResponse{State: req.State}
	if req.PostLogoutRedirectURI != "" {
		if !util.ContainsString(client.PostLogoutRedirectURIs, req.PostLogoutRedirectURI) {
			return nil, tokensmith.ErrInvalidRequest("post_logout_redirect_uri is not registered")
		}
		response.RedirectURI = req.PostLogoutRedirectURI
	}

	if err := s.refreshTokens.RemoveForSession(ctx, subjectID, sessionID); err != nil {
		return nil, tokensmith.ErrServerError("failed to end session")
	}
	if err := s.referenceTokens.RemoveForSession(ctx, subjectID, sessionID); err != nil {
		return nil, tokensmith.ErrServerError("failed to end session")
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventSessionEnded,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"session_id": sessionID,
		},
	})
	return response, nil
}

// audClientID extracts the client from the hint's audience. An id_token's
// audience is the client it was issued to.
func audClientID(claims map[string]any) string {
	switch aud := claims["aud"].(type) {
	case string:
		return aud
	case []any:
		if len(aud) == 1 {
			if v, ok := aud[0].(string); ok {
				return v
			}
		}
	}
	return ""
}
