package server

import (
	"context"
	"errors"
	"log/slog"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/secrets"
	"github.com/tokensmith/tokensmith/security"
	"github.com/tokensmith/tokensmith/storage"
)

// ClientAuthenticator authenticates token endpoint callers. Every failure
// maps to the same invalid_client error: the caller never learns whether the
// client id was unknown, the credential malformed, or the secret wrong.
type ClientAuthenticator struct {
	clients  storage.ClientStore
	pipeline *secrets.Pipeline
	clock    tokensmith.Clock
	auditor  *security.Auditor
	logger   *slog.Logger
}

// Authenticate resolves and verifies the client behind the request.
// Credential-less requests succeed only for public clients.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, req *secrets.Request) (*tokensmith.Client, error) {
	parsed, err := a.pipeline.Parse(ctx, req)
	if err != nil {
		a.fail(ctx, "", "credential extraction failed", err)
		return nil, tokensmith.ErrInvalidClient("client authentication failed")
	}

	client, err := a.clients.FindClientByID(ctx, parsed.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, err
		}
		a.fail(ctx, parsed.ID, "unknown client", nil)
		return nil, tokensmith.ErrInvalidClient("client authentication failed")
	}

	if parsed.Type == secrets.ParsedSecretTypeNone {
		if !client.IsPublic() {
			a.fail(ctx, parsed.ID, "missing credential for confidential client", nil)
			return nil, tokensmith.ErrInvalidClient("client authentication failed")
		}
		return client, nil
	}

	if err := a.pipeline.Validate(ctx, client.Secrets, parsed, a.clock.Now()); err != nil {
		if !errors.Is(err, secrets.ErrInvalidSecret) {
			return nil, err
		}
		a.fail(ctx, parsed.ID, "secret validation failed", nil)
		return nil, tokensmith.ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

func (a *ClientAuthenticator) fail(ctx context.Context, clientID, reason string, err error) {
	a.logger.Debug("Client authentication failed",
		"client_id", clientID,
		"reason", reason,
		"error", err)
	a.auditor.LogAuthFailure("", clientID, reason)
}

// ResourceAuthenticator authenticates API resources at the introspection
// endpoint. Failures are as indistinct as client authentication failures.
type ResourceAuthenticator struct {
	resources storage.ResourceStore
	pipeline  *secrets.Pipeline
	clock     tokensmith.Clock
	auditor   *security.Auditor
	logger    *slog.Logger
}

// Authenticate resolves and verifies the resource behind the request.
// Resources are always confidential; a credential is mandatory.
func (a *ResourceAuthenticator) Authenticate(ctx context.Context, req *secrets.Request) (*tokensmith.Resource, error) {
	parsed, err := a.pipeline.Parse(ctx, req)
	if err != nil || parsed == nil || parsed.Type == secrets.ParsedSecretTypeNone {
		a.logger.Debug("Resource authentication failed", "reason", "missing credential")
		a.auditor.LogAuthFailure("", "", "resource credential missing")
		return nil, tokensmith.ErrInvalidClient("resource authentication failed")
	}

	resource, err := a.resources.FindResourceByName(ctx, parsed.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrResourceNotFound) {
			return nil, err
		}
		a.auditor.LogAuthFailure("", parsed.ID, "unknown resource")
		return nil, tokensmith.ErrInvalidClient("resource authentication failed")
	}

	if err := a.pipeline.Validate(ctx, resource.Secrets, parsed, a.clock.Now()); err != nil {
		if !errors.Is(err, secrets.ErrInvalidSecret) {
			return nil, err
		}
		a.auditor.LogAuthFailure("", parsed.ID, "resource secret validation failed")
		return nil, tokensmith.ErrInvalidClient("resource authentication failed")
	}
	return resource, nil
}
