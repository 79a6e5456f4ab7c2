package server

import (
	"context"
	"testing"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
)

func TestDeviceAuthorizationFlow(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()
	srv := fixture.server
	credentials := clientCredentials("tv-device", "")

	auth, err := srv.DeviceAuthorization(ctx, credentials, "openid orders.read")
	if err != nil {
		t.Fatalf("DeviceAuthorization: %v", err)
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		t.Fatalf("incomplete authorization: %+v", auth)
	}
	if auth.VerificationURI != testIssuer+"/device" {
		t.Errorf("VerificationURI = %q", auth.VerificationURI)
	}
	if auth.Interval <= 0 || auth.ExpiresIn <= 0 {
		t.Errorf("Interval = %d, ExpiresIn = %d", auth.Interval, auth.ExpiresIn)
	}

	if err := srv.ApproveDeviceAuthorization(ctx, auth.UserCode, &Subject{ID: "subject-9", SessionID: "session-9"}); err != nil {
		t.Fatalf("ApproveDeviceAuthorization: %v", err)
	}

	fixture.clock.Advance(time.Duration(auth.Interval+1) * time.Second)
	resp, err := srv.Token(ctx, credentials, &TokenRequest{
		GrantType:  tokensmith.GrantTypeDeviceCode,
		DeviceCode: auth.DeviceCode,
	})
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("expected an access token")
	}
}

func TestDeviceAuthorizationDenied(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()
	srv := fixture.server
	credentials := clientCredentials("tv-device", "")

	auth, err := srv.DeviceAuthorization(ctx, credentials, "orders.read")
	if err != nil {
		t.Fatalf("DeviceAuthorization: %v", err)
	}
	if err := srv.DenyDeviceAuthorization(ctx, auth.UserCode); err != nil {
		t.Fatalf("DenyDeviceAuthorization: %v", err)
	}

	fixture.clock.Advance(time.Duration(auth.Interval+1) * time.Second)
	_, err = srv.Token(ctx, credentials, &TokenRequest{
		GrantType:  tokensmith.GrantTypeDeviceCode,
		DeviceCode: auth.DeviceCode,
	})
	if err == nil {
		t.Fatal("denied flow must not issue tokens")
	}
	if oauthCode(t, err) != tokensmith.ErrorCodeAccessDenied {
		t.Errorf("error code = %q", oauthCode(t, err))
	}
}

func TestDeviceAuthorizationRejections(t *testing.T) {
	fixture := newTestServer(t, nil)
	ctx := context.Background()

	// The web app is not registered for the device grant.
	_, err := fixture.server.DeviceAuthorization(ctx, clientCredentials("web-app", "web-secret"), "openid")
	if err == nil {
		t.Fatal("expected error")
	}
	if oauthCode(t, err) != tokensmith.ErrorCodeUnauthorizedClient {
		t.Errorf("error code = %q", oauthCode(t, err))
	}

	_, err = fixture.server.DeviceAuthorization(ctx, clientCredentials("tv-device", ""), "orders.write")
	if err == nil {
		t.Fatal("expected error for disallowed scope")
	}
	if oauthCode(t, err) != tokensmith.ErrorCodeInvalidScope {
		t.Errorf("error code = %q", oauthCode(t, err))
	}

	if err := fixture.server.ApproveDeviceAuthorization(ctx, "BCDF-GHJK", nil); err == nil {
		t.Error("approval without a subject must fail")
	}
}

func TestDeviceAuthorizationWithoutEngine(t *testing.T) {
	fixture := newTestServer(t, func(deps *Dependencies, config *Config) {
		deps.DeviceEngine = nil
	})

	_, err := fixture.server.DeviceAuthorization(context.Background(), clientCredentials("tv-device", ""), "openid")
	if err == nil {
		t.Fatal("expected error")
	}
	if oauthCode(t, err) != tokensmith.ErrorCodeUnsupportedGrantType {
		t.Errorf("error code = %q", oauthCode(t, err))
	}
}
