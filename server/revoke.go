package server

import (
	"context"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/secrets"
)

// RevocationRequest carries the parameters of a revocation request (RFC 7009).
type RevocationRequest struct {
	Token         string
	TokenTypeHint string
}

// Revoke invalidates a refresh or reference token presented by the client
// that owns it. Unknown tokens and tokens owned by another client both
// succeed silently, so a caller learns nothing from the outcome.
func (s *Server) Revoke(ctx context.Context, credentials *secrets.Request, req *RevocationRequest) error {
	client, err := s.clientAuth.Authenticate(ctx, credentials)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return tokensmith.ErrInvalidRequest("token is required")
	}

	if req.TokenTypeHint == "access_token" {
		if done, err := s.revokeReference(ctx, client.ID, req.Token); done || err != nil {
			return err
		}
		_, err := s.revokeRefresh(ctx, client.ID, req.Token)
		return err
	}

	if done, err := s.revokeRefresh(ctx, client.ID, req.Token); done || err != nil {
		return err
	}
	_, err = s.revokeReference(ctx, client.ID, req.Token)
	return err
}

func (s *Server) revokeRefresh(ctx context.Context, clientID, handle string) (bool, error) {
	token, err := s.refreshTokens.Get(ctx, handle)
	if err != nil {
		return false, nil
	}
	if token.ClientID != clientID {
		// Treated as not found. Revealing the mismatch would confirm the
		// token exists.
		return true, nil
	}
	if err := s.refreshTokens.Remove(ctx, handle); err != nil {
		return true, tokensmith.ErrServerError("failed to revoke token")
	}
	s.Auditor.LogTokenRevoked(token.SubjectID, clientID, "refresh_token")
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRevocation(ctx, clientID, "refresh_token")
	}
	return true, nil
}

func (s *Server) revokeReference(ctx context.Context, clientID, handle string) (bool, error) {
	token, err := s.referenceTokens.Get(ctx, handle)
	if err != nil {
		return false, nil
	}
	if token.ClientID != clientID {
		return true, nil
	}
	if err := s.referenceTokens.Remove(ctx, handle); err != nil {
		return true, tokensmith.ErrServerError("failed to revoke token")
	}
	s.Auditor.LogTokenRevoked(token.SubjectID, clientID, "access_token")
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRevocation(ctx, clientID, "access_token")
	}
	return true, nil
}
