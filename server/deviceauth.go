package server

import (
	"context"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/deviceflow"
	"github.com/tokensmith/tokensmith/secrets"
)

// DeviceAuthorization starts a device flow (RFC 8628 §3.1). Devices are
// typically public clients, so authentication by client_id alone is accepted
// when the client has no registered secrets.
func (s *Server) DeviceAuthorization(ctx context.Context, credentials *secrets.Request, scope string) (*deviceflow.Authorization, error) {
	if s.deviceEngine == nil {
		return nil, tokensmith.ErrUnsupportedGrantType("device authorization is not configured")
	}

	client, err := s.clientAuth.Authenticate(ctx, credentials)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrantType(tokensmith.GrantTypeDeviceCode) {
		return nil, tokensmith.ErrUnauthorizedClient("grant type not allowed for this client")
	}

	scopes := parseScopeParam(scope)
	if _, err := s.validateScopes(ctx, client, scopes); err != nil {
		return nil, tokensmith.ErrInvalidScope(err.Error())
	}

	return s.deviceEngine.Start(ctx, client, scopes)
}

// ApproveDeviceAuthorization records the user's approval for the device flow
// identified by the user code
func (s *Server) ApproveDeviceAuthorization(ctx context.Context, userCode string, subject *Subject) error {
	if s.deviceEngine == nil {
		return tokensmith.ErrUnsupportedGrantType("device authorization is not configured")
	}
	if subject == nil || subject.ID == "" {
		return tokensmith.ErrServerError("approval requires an authenticated subject")
	}
	return s.deviceEngine.Approve(ctx, userCode, subject.ID, subject.SessionID)
}

// DenyDeviceAuthorization records the user's denial for the device flow
// identified by the user code
func (s *Server) DenyDeviceAuthorization(ctx context.Context, userCode string) error {
	if s.deviceEngine == nil {
		return tokensmith.ErrUnsupportedGrantType("device authorization is not configured")
	}
	return s.deviceEngine.Deny(ctx, userCode)
}
