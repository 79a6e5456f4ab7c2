package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/storage"
	"github.com/tokensmith/tokensmith/storage/memory"
)

func TestAuthorizationCodeStore_RoundTrip(t *testing.T) {
	grants := memory.New()
	codes := storage.NewAuthorizationCodeStore(grants, nil)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		ClientID:            "web-app",
		SubjectID:           "subject-1",
		SessionID:           "session-1",
		Scopes:              []string{"openid", "api"},
		RedirectURI:         "https://example.com/callback",
		Nonce:               "n-123",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: tokensmith.CodeChallengeMethodS256,
		CreationTime:        time.Now(),
		Lifetime:            600,
	}

	handle, err := codes.Store(ctx, code)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if handle == "" {
		t.Fatal("handle should not be empty")
	}

	// The raw handle must never be a store key
	if _, err := grants.Get(ctx, handle); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Error("raw handle should not resolve in the grant store")
	}

	got, err := codes.Redeem(ctx, handle)
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if got.ClientID != "web-app" || got.CodeChallenge != "challenge" {
		t.Errorf("payload mismatch: %+v", got)
	}

	if _, err := codes.Redeem(ctx, handle); !errors.Is(err, storage.ErrGrantConsumed) {
		t.Errorf("second Redeem() error = %v, want ErrGrantConsumed", err)
	}
}

func TestRefreshTokenStore_GetAndRedeem(t *testing.T) {
	grants := memory.New()
	tokens := storage.NewRefreshTokenStore(grants, nil)
	ctx := context.Background()

	token := &storage.RefreshToken{
		ClientID:     "web-app",
		SubjectID:    "subject-1",
		SessionID:    "session-1",
		Scopes:       []string{"api", "offline_access"},
		CreationTime: time.Now(),
		Lifetime:     3600,
	}

	handle, err := tokens.Store(ctx, token)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := tokens.Get(ctx, handle)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SubjectID != "subject-1" {
		t.Errorf("SubjectID = %q", got.SubjectID)
	}

	// Get does not consume
	if _, err := tokens.Get(ctx, handle); err != nil {
		t.Errorf("repeated Get() error = %v", err)
	}

	if _, err := tokens.Redeem(ctx, handle); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if _, err := tokens.Get(ctx, handle); !errors.Is(err, storage.ErrGrantConsumed) {
		t.Errorf("Get() after Redeem error = %v, want ErrGrantConsumed", err)
	}
}

func TestRefreshTokenStore_RemoveForSession(t *testing.T) {
	grants := memory.New()
	tokens := storage.NewRefreshTokenStore(grants, nil)
	ctx := context.Background()

	mk := func(session string) string {
		h, err := tokens.Store(ctx, &storage.RefreshToken{
			ClientID:     "web-app",
			SubjectID:    "subject-1",
			SessionID:    session,
			CreationTime: time.Now(),
			Lifetime:     3600,
		})
		if err != nil {
			t.Fatal(err)
		}
		return h
	}

	h1 := mk("session-1")
	h2 := mk("session-2")

	if err := tokens.RemoveForSession(ctx, "subject-1", "session-1"); err != nil {
		t.Fatalf("RemoveForSession() error = %v", err)
	}
	if _, err := tokens.Get(ctx, h1); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Error("session-1 token should be removed")
	}
	if _, err := tokens.Get(ctx, h2); err != nil {
		t.Error("session-2 token should survive")
	}
}

func TestReferenceTokenStore_RoundTrip(t *testing.T) {
	grants := memory.New()
	refs := storage.NewReferenceTokenStore(grants, nil)
	ctx := context.Background()

	ref := &storage.ReferenceToken{
		Issuer:       "https://issuer.example.com",
		Audiences:    []string{"api"},
		ClientID:     "web-app",
		SubjectID:    "subject-1",
		Scopes:       []string{"api"},
		Claims:       []tokensmith.Claim{{Type: "name", Value: "Alice"}},
		CreationTime: time.Now(),
		Lifetime:     3600,
	}

	handle, err := refs.Store(ctx, ref)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := refs.Get(ctx, handle)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Claims) != 1 || got.Claims[0].Value != "Alice" {
		t.Errorf("claims not preserved: %+v", got.Claims)
	}

	if err := refs.Remove(ctx, handle); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := refs.Get(ctx, handle); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Error("removed token should not resolve")
	}
}

func TestConsentStore_KeyedBySubjectAndClient(t *testing.T) {
	grants := memory.New()
	consents := storage.NewConsentStore(grants, nil)
	ctx := context.Background()

	consent := &storage.Consent{
		SubjectID:    "subject-1",
		ClientID:     "web-app",
		Scopes:       []string{"openid", "api"},
		CreationTime: time.Now(),
	}
	if err := consents.Store(ctx, consent); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := consents.Get(ctx, "subject-1", "web-app")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Scopes) != 2 {
		t.Errorf("Scopes = %v", got.Scopes)
	}

	if _, err := consents.Get(ctx, "subject-1", "other-client"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Error("consent should be scoped to the client")
	}

	// Re-storing replaces
	consent.Scopes = []string{"openid"}
	if err := consents.Store(ctx, consent); err != nil {
		t.Fatal(err)
	}
	got, _ = consents.Get(ctx, "subject-1", "web-app")
	if len(got.Scopes) != 1 {
		t.Errorf("replacement consent Scopes = %v", got.Scopes)
	}

	if err := consents.Remove(ctx, "subject-1", "web-app"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := consents.Get(ctx, "subject-1", "web-app"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Error("removed consent should not resolve")
	}
}
