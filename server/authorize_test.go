package server

import (
	"context"
	"testing"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
)

func authorizeRequest() *AuthorizeRequest {
	return &AuthorizeRequest{
		ClientID:            "web-app",
		RedirectURI:         "https://app.example.com/callback",
		ResponseType:        "code",
		Scope:               "openid orders.read",
		State:               "xyz",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       testChallenge(),
		CodeChallengeMethod: tokensmith.CodeChallengeMethodS256,
	}
}

func testSubject() *Subject {
	return &Subject{ID: "subject-1", SessionID: "session-1"}
}

func TestAuthorizeIssuesCode(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()

	resp, err := fixture.server.Authorize(ctx, authorizeRequest(), testSubject())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if resp.Code == "" {
		t.Error("expected an authorization code")
	}
	if resp.State != "xyz" {
		t.Errorf("State = %q, want %q", resp.State, "xyz")
	}
	if resp.ConsentRequired {
		t.Error("consent should not be required")
	}
	if len(resp.Scopes) != 2 {
		t.Errorf("Scopes = %v", resp.Scopes)
	}
}

func TestAuthorizeRejections(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*AuthorizeRequest)
		wantCode string
	}{
		{
			name:     "unknown client",
			mutate:   func(r *AuthorizeRequest) { r.ClientID = "nobody" },
			wantCode: tokensmith.ErrorCodeInvalidRequest,
		},
		{
			name:     "unsupported response type",
			mutate:   func(r *AuthorizeRequest) { r.ResponseType = "token" },
			wantCode: tokensmith.ErrorCodeInvalidRequest,
		},
		{
			name:     "scope not allowed for client",
			mutate:   func(r *AuthorizeRequest) { r.Scope = "openid orders.write" },
			wantCode: tokensmith.ErrorCodeInvalidScope,
		},
		{
			name:     "unregistered redirect URI",
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/callback" },
			wantCode: tokensmith.ErrorCodeInvalidRequest,
		},
		{
			name:     "missing redirect URI",
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "" },
			wantCode: tokensmith.ErrorCodeInvalidRequest,
		},
		{
			name:     "missing code challenge",
			mutate:   func(r *AuthorizeRequest) { r.CodeChallenge = "" },
			wantCode: tokensmith.ErrorCodeInvalidRequest,
		},
		{
			name: "plain challenge not allowed",
			mutate: func(r *AuthorizeRequest) {
				r.CodeChallenge = testVerifier
				r.CodeChallengeMethod = tokensmith.CodeChallengeMethodPlain
			},
			wantCode: tokensmith.ErrorCodeInvalidRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fixture := newTestServer(t, nil)
			req := authorizeRequest()
			tc.mutate(req)

			_, err := fixture.server.Authorize(context.Background(), req, testSubject())
			if err == nil {
				t.Fatal("expected error")
			}
			if code := oauthCode(t, err); code != tc.wantCode {
				t.Errorf("error code = %q, want %q", code, tc.wantCode)
			}
		})
	}
}

func TestAuthorizeRequiresSubject(t *testing.T) {
	fixture := newTestServer(t, nil)

	for _, subject := range []*Subject{nil, {}} {
		_, err := fixture.server.Authorize(context.Background(), authorizeRequest(), subject)
		if err == nil {
			t.Fatal("expected error without an authenticated subject")
		}
		if code := oauthCode(t, err); code != tokensmith.ErrorCodeServerError {
			t.Errorf("error code = %q, want %q", code, tokensmith.ErrorCodeServerError)
		}
	}
}

func TestAuthorizeConsentFlow(t *testing.T) {
	fixture := newTestServer(t, func(deps *Dependencies, config *Config) {
		config.ConsentLifetime = 3600
	})
	ctx := context.Background()
	srv := fixture.server

	// Flip the registered client to demand consent.
	client, err := srv.clients.FindClientByID(ctx, "web-app")
	if err != nil {
		t.Fatalf("FindClientByID: %v", err)
	}
	client.RequireConsent = true

	resp, err := srv.Authorize(ctx, authorizeRequest(), testSubject())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !resp.ConsentRequired {
		t.Fatal("expected a consent-required response")
	}
	if resp.Code != "" {
		t.Error("no code may be issued before consent")
	}

	if err := srv.StoreConsent(ctx, "subject-1", "web-app", resp.Scopes); err != nil {
		t.Fatalf("StoreConsent: %v", err)
	}

	resp, err = srv.Authorize(ctx, authorizeRequest(), testSubject())
	if err != nil {
		t.Fatalf("Authorize after consent: %v", err)
	}
	if resp.ConsentRequired || resp.Code == "" {
		t.Fatalf("expected a code after consent, got %+v", resp)
	}

	// Consent covering fewer scopes than requested does not count.
	if err := srv.StoreConsent(ctx, "subject-1", "web-app", []string{"openid"}); err != nil {
		t.Fatalf("StoreConsent: %v", err)
	}
	resp, err = srv.Authorize(ctx, authorizeRequest(), testSubject())
	if err != nil {
		t.Fatalf("Authorize with narrow consent: %v", err)
	}
	if !resp.ConsentRequired {
		t.Error("narrow consent should trigger a fresh prompt")
	}

	// Revoked consent triggers the prompt again.
	if err := srv.StoreConsent(ctx, "subject-1", "web-app", []string{"openid", "orders.read"}); err != nil {
		t.Fatalf("StoreConsent: %v", err)
	}
	if err := srv.RevokeConsent(ctx, "subject-1", "web-app"); err != nil {
		t.Fatalf("RevokeConsent: %v", err)
	}
	resp, err = srv.Authorize(ctx, authorizeRequest(), testSubject())
	if err != nil {
		t.Fatalf("Authorize after revoke: %v", err)
	}
	if !resp.ConsentRequired {
		t.Error("revoked consent should trigger a fresh prompt")
	}
}

func TestAuthorizeConsentExpires(t *testing.T) {
	fixture := newTestServer(t, func(deps *Dependencies, config *Config) {
		config.ConsentLifetime = 600
	})
	ctx := context.Background()
	srv := fixture.server

	client, err := srv.clients.FindClientByID(ctx, "web-app")
	if err != nil {
		t.Fatalf("FindClientByID: %v", err)
	}
	client.RequireConsent = true

	if err := srv.StoreConsent(ctx, "subject-1", "web-app", []string{"openid", "orders.read"}); err != nil {
		t.Fatalf("StoreConsent: %v", err)
	}

	fixture.clock.Advance(601 * time.Second)

	resp, err := srv.Authorize(ctx, authorizeRequest(), testSubject())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !resp.ConsentRequired {
		t.Error("expired consent should trigger a fresh prompt")
	}
}
