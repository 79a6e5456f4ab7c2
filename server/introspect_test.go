package server

import (
	"context"
	"testing"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/secrets"
)

// issueWebAppTokens runs the code flow and returns the token response
func issueWebAppTokens(t *testing.T, fixture *testFixture) *TokenResponse {
	t.Helper()
	code := authorizeAndGetCode(t, fixture)
	resp, err := fixture.server.Token(context.Background(), clientCredentials("web-app", "web-secret"), codeExchangeRequest(code))
	if err != nil {
		t.Fatalf("code exchange: %v", err)
	}
	return resp
}

func ordersAPICredentials() *secrets.Request {
	return clientCredentials("orders-api", "orders-secret")
}

func TestIntrospectJWTAccessToken(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()
	tokens := issueWebAppTokens(t, fixture)

	resp, err := fixture.server.Introspect(ctx, ordersAPICredentials(), &IntrospectionRequest{Token: tokens.AccessToken})
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !resp.Active {
		t.Fatal("expected an active token")
	}
	if resp.Subject != "subject-1" {
		t.Errorf("sub = %q", resp.Subject)
	}
	if resp.ClientID != "web-app" {
		t.Errorf("client_id = %q", resp.ClientID)
	}
	if resp.Scope != "openid orders.read" {
		t.Errorf("scope = %q", resp.Scope)
	}
	if resp.Issuer != testIssuer {
		t.Errorf("iss = %q", resp.Issuer)
	}
	if resp.Expiry == 0 || resp.IssuedAt == 0 {
		t.Errorf("exp/iat not populated: %+v", resp)
	}
}

func TestIntrospectReferenceToken(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()

	machineToken, err := fixture.server.Token(ctx, clientCredentials("machine", "machine-secret"), &TokenRequest{
		GrantType: tokensmith.GrantTypeClientCredentials,
		Scope:     "orders.read",
	})
	if err != nil {
		t.Fatalf("client credentials: %v", err)
	}

	resp, err := fixture.server.Introspect(ctx, ordersAPICredentials(), &IntrospectionRequest{Token: machineToken.AccessToken})
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !resp.Active {
		t.Fatal("expected an active token")
	}
	if resp.ClientID != "machine" {
		t.Errorf("client_id = %q", resp.ClientID)
	}
	if resp.Subject != "" {
		t.Errorf("sub = %q, want empty for machine tokens", resp.Subject)
	}
}

func TestIntrospectRefreshToken(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()
	tokens := issueWebAppTokens(t, fixture)

	resp, err := fixture.server.Introspect(ctx, ordersAPICredentials(), &IntrospectionRequest{
		Token:         tokens.RefreshToken,
		TokenTypeHint: "refresh_token",
	})
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !resp.Active {
		t.Fatal("expected an active refresh token")
	}
	if resp.TokenType != "refresh_token" {
		t.Errorf("token_type = %q", resp.TokenType)
	}

	// A wrong hint only reorders the lookups, it never hides the token.
	resp, err = fixture.server.Introspect(ctx, ordersAPICredentials(), &IntrospectionRequest{
		Token:         tokens.RefreshToken,
		TokenTypeHint: "access_token",
	})
	if err != nil {
		t.Fatalf("Introspect with wrong hint: %v", err)
	}
	if !resp.Active {
		t.Error("wrong hint must not hide the token")
	}
}

func TestIntrospectInactive(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()

	expired := newTestServer(t, nil)
	expiredTokens := issueWebAppTokens(t, expired)
	expired.clock.Advance(2 * time.Hour)

	cases := []struct {
		name    string
		fixture *testFixture
		token   string
	}{
		{"unknown token", fixture, "no-such-token"},
		{"garbage JWT", fixture, "aaa.bbb.ccc"},
		{"expired token", expired, expiredTokens.AccessToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := tc.fixture.server.Introspect(ctx, ordersAPICredentials(), &IntrospectionRequest{Token: tc.token})
			if err != nil {
				t.Fatalf("Introspect: %v", err)
			}
			if resp.Active {
				t.Error("expected an inactive response")
			}
			if resp.Scope != "" || resp.Subject != "" || resp.ClientID != "" {
				t.Errorf("inactive response must carry no claims: %+v", resp)
			}
		})
	}
}

func TestIntrospectForeignResource(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()
	srv := fixture.server

	// A token scoped only to identity scopes is invisible to the orders API.
	req := authorizeRequest()
	req.Scope = "openid profile"
	authResp, err := srv.Authorize(ctx, req, testSubject())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	tokenResp, err := srv.Token(ctx, clientCredentials("web-app", "web-secret"), codeExchangeRequest(authResp.Code))
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	resp, err := srv.Introspect(ctx, ordersAPICredentials(), &IntrospectionRequest{Token: tokenResp.AccessToken})
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if resp.Active {
		t.Error("a token without the resource's scopes must introspect as inactive")
	}
}

func TestIntrospectRequiresResourceAuth(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		id     string
		secret string
	}{
		{"wrong secret", "orders-api", "wrong"},
		{"unknown resource", "nobody", "whatever"},
		{"missing credential", "orders-api", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fixture.server.Introspect(ctx, clientCredentials(tc.id, tc.secret), &IntrospectionRequest{Token: "anything"})
			if err == nil {
				t.Fatal("expected error")
			}
			if oauthCode(t, err) != tokensmith.ErrorCodeInvalidClient {
				t.Errorf("error code = %q", oauthCode(t, err))
			}
		})
	}
}
