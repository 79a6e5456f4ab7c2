package deviceflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/internal/testutil"
	"github.com/tokensmith/tokensmith/storage"
	"github.com/tokensmith/tokensmith/storage/memory"
)

func testEngine(t *testing.T) (*Engine, *testutil.MockClock) {
	t.Helper()
	clock := testutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	engine, err := NewEngine(memory.New(), Config{
		VerificationURI: "https://issuer.example.com/device",
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, clock
}

func oauthCode(t *testing.T, err error) string {
	t.Helper()
	var oauthErr *tokensmith.OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("expected OAuthError, got %v", err)
	}
	return oauthErr.Code
}

func TestGenerateUserCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateUserCode()
		if err != nil {
			t.Fatalf("GenerateUserCode: %v", err)
		}
		if len(code) != 9 || code[4] != '-' {
			t.Fatalf("code %q not in XXXX-XXXX form", code)
		}
		for _, r := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(userCodeCharset, r) {
				t.Fatalf("code %q contains %q outside the charset", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 95 {
		t.Errorf("excessive collisions: %d distinct codes out of 100", len(seen))
	}
}

func TestGenerateUserCodeCoversCharset(t *testing.T) {
	// 2000 codes of 8 characters draw each charset character about 800
	// times; a character that never appears means the sampler is broken.
	counts := make(map[rune]int)
	for i := 0; i < 2000; i++ {
		code, err := GenerateUserCode()
		if err != nil {
			t.Fatalf("GenerateUserCode: %v", err)
		}
		for _, r := range strings.ReplaceAll(code, "-", "") {
			counts[r]++
		}
	}
	for _, r := range userCodeCharset {
		if counts[r] == 0 {
			t.Errorf("charset character %q never generated", r)
		}
	}
}

func TestNormalizeUserCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BCDF-GHJK", "BCDF-GHJK"},
		{"bcdfghjk", "BCDF-GHJK"},
		{" bcdf ghjk ", "BCDF-GHJK"},
		{"bcdf-ghjk", "BCDF-GHJK"},
		{"BCDF-GHJ", ""},
		{"ABCD-EFGH", ""}, // A and E are not in the charset
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeUserCode(tt.in); got != tt.want {
			t.Errorf("NormalizeUserCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStart(t *testing.T) {
	engine, _ := testEngine(t)
	client := testutil.GenerateTestClient()

	auth, err := engine.Start(context.Background(), client, []string{"openid", "api"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		t.Fatal("missing codes")
	}
	if auth.Interval != DefaultInterval {
		t.Errorf("Interval = %d, want %d", auth.Interval, DefaultInterval)
	}
	if auth.ExpiresIn != client.DeviceCodeLifetime {
		t.Errorf("ExpiresIn = %d, want %d", auth.ExpiresIn, client.DeviceCodeLifetime)
	}
	if auth.VerificationURI != "https://issuer.example.com/device" {
		t.Errorf("VerificationURI = %q", auth.VerificationURI)
	}
	if want := auth.VerificationURI + "?user_code=" + auth.UserCode; auth.VerificationURIComplete != want {
		t.Errorf("VerificationURIComplete = %q, want %q", auth.VerificationURIComplete, want)
	}
}

func TestPollPendingThenAuthorized(t *testing.T) {
	engine, clock := testEngine(t)
	client := testutil.GenerateTestClient()
	ctx := context.Background()

	auth, err := engine.Start(ctx, client, []string{"api"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = engine.Poll(ctx, client, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeAuthorizationPending {
		t.Fatalf("first poll error code = %q, want authorization_pending", code)
	}

	if err := engine.Approve(ctx, auth.UserCode, "subject-1", "session-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	clock.Advance(time.Duration(auth.Interval+1) * time.Second)
	codes, err := engine.Poll(ctx, client, auth.DeviceCode)
	if err != nil {
		t.Fatalf("poll after approval: %v", err)
	}
	if codes.SubjectID != "subject-1" || codes.SessionID != "session-1" {
		t.Errorf("codes = %+v", codes)
	}

	// The code is consumed; the device cannot redeem it again.
	clock.Advance(time.Duration(auth.Interval+1) * time.Second)
	_, err = engine.Poll(ctx, client, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeInvalidGrant {
		t.Fatalf("poll after consumption error code = %q, want invalid_grant", code)
	}
}

// staleReadStore serves device code reads from a fixed snapshot, imitating a
// lagging replica that has not yet observed the consuming delete.
type staleReadStore struct {
	storage.DeviceFlowStore
	snapshot *tokensmith.DeviceFlowCodes
}

func (s *staleReadStore) FindByDeviceCode(ctx context.Context, deviceCode string) (*tokensmith.DeviceFlowCodes, error) {
	if s.snapshot != nil && s.snapshot.DeviceCode == deviceCode {
		cp := *s.snapshot
		return &cp, nil
	}
	return s.DeviceFlowStore.FindByDeviceCode(ctx, deviceCode)
}

func TestPollAuthorizedConsumesExactlyOnce(t *testing.T) {
	clock := testutil.NewMockClock(time.Now().UTC())
	wrapped := &staleReadStore{DeviceFlowStore: memory.New()}
	engine, err := NewEngine(wrapped, Config{
		VerificationURI: "https://issuer.example.com/device",
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	client := testutil.GenerateTestClient()
	ctx := context.Background()

	auth, err := engine.Start(ctx, client, []string{"api"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := engine.Approve(ctx, auth.UserCode, "subject-1", "session-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// Pin reads to the approved record so the second poll also observes
	// the authorized state. Issuance must be decided by the consuming
	// store operation, not by what the poll read.
	approved, err := wrapped.DeviceFlowStore.FindByDeviceCode(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("FindByDeviceCode: %v", err)
	}
	wrapped.snapshot = approved

	clock.Advance(time.Duration(auth.Interval+1) * time.Second)
	if _, err := engine.Poll(ctx, client, auth.DeviceCode); err != nil {
		t.Fatalf("first poll after approval: %v", err)
	}

	clock.Advance(time.Duration(auth.Interval+1) * time.Second)
	_, err = engine.Poll(ctx, client, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeInvalidGrant {
		t.Fatalf("second poll error code = %q, want invalid_grant", code)
	}
}

func TestPollThrottled(t *testing.T) {
	engine, clock := testEngine(t)
	client := testutil.GenerateTestClient()
	ctx := context.Background()

	auth, err := engine.Start(ctx, client, []string{"api"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = engine.Poll(ctx, client, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeAuthorizationPending {
		t.Fatalf("first poll error code = %q", code)
	}

	// Immediate re-poll violates the interval.
	clock.Advance(time.Second)
	_, err = engine.Poll(ctx, client, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeSlowDown {
		t.Fatalf("fast re-poll error code = %q, want slow_down", code)
	}

	// Waiting out the interval restores polling.
	clock.Advance(time.Duration(auth.Interval) * time.Second)
	_, err = engine.Poll(ctx, client, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeAuthorizationPending {
		t.Fatalf("post-wait poll error code = %q, want authorization_pending", code)
	}
}

func TestPollDenied(t *testing.T) {
	engine, clock := testEngine(t)
	client := testutil.GenerateTestClient()
	ctx := context.Background()

	auth, err := engine.Start(ctx, client, []string{"api"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := engine.Deny(ctx, auth.UserCode); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	_, err = engine.Poll(ctx, client, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeAccessDenied {
		t.Fatalf("error code = %q, want access_denied", code)
	}

	// The record is deleted on denial delivery.
	clock.Advance(time.Duration(auth.Interval+1) * time.Second)
	_, err = engine.Poll(ctx, client, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeInvalidGrant {
		t.Fatalf("error code = %q, want invalid_grant", code)
	}
}

func TestPollExpired(t *testing.T) {
	engine, clock := testEngine(t)
	client := testutil.GenerateTestClient()
	ctx := context.Background()

	auth, err := engine.Start(ctx, client, []string{"api"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.Advance(time.Duration(auth.ExpiresIn+1) * time.Second)
	_, err = engine.Poll(ctx, client, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeExpiredToken {
		t.Fatalf("error code = %q, want expired_token", code)
	}

	// Approving an expired code fails too.
	err = engine.Approve(ctx, auth.UserCode, "subject-1", "session-1")
	if err == nil {
		t.Fatal("expected error approving expired code")
	}
}

func TestPollForeignClient(t *testing.T) {
	engine, _ := testEngine(t)
	client := testutil.GenerateTestClient()
	ctx := context.Background()

	auth, err := engine.Start(ctx, client, []string{"api"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	other := testutil.GenerateTestClient()
	other.ID = "other-client"
	_, err = engine.Poll(ctx, other, auth.DeviceCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeInvalidGrant {
		t.Fatalf("error code = %q, want invalid_grant", code)
	}
}

func TestPollUnknownCode(t *testing.T) {
	engine, _ := testEngine(t)
	client := testutil.GenerateTestClient()

	_, err := engine.Poll(context.Background(), client, "no-such-code")
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeInvalidGrant {
		t.Fatalf("error code = %q, want invalid_grant", code)
	}
}

func TestApproveResolvedCode(t *testing.T) {
	engine, _ := testEngine(t)
	client := testutil.GenerateTestClient()
	ctx := context.Background()

	auth, err := engine.Start(ctx, client, []string{"api"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := engine.Approve(ctx, auth.UserCode, "subject-1", "session-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// A second decision against the same code is rejected.
	err = engine.Deny(ctx, auth.UserCode)
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeInvalidGrant {
		t.Fatalf("error code = %q, want invalid_grant", code)
	}
}

func TestFindNormalizesInput(t *testing.T) {
	engine, _ := testEngine(t)
	client := testutil.GenerateTestClient()
	ctx := context.Background()

	auth, err := engine.Start(ctx, client, []string{"api"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sloppy := strings.ToLower(strings.ReplaceAll(auth.UserCode, "-", " "))
	codes, err := engine.Find(ctx, sloppy)
	if err != nil {
		t.Fatalf("Find(%q): %v", sloppy, err)
	}
	if codes.ClientID != client.ID {
		t.Errorf("ClientID = %q", codes.ClientID)
	}

	_, err = engine.Find(ctx, "not a code")
	if code := oauthCode(t, err); code != tokensmith.ErrorCodeInvalidRequest {
		t.Fatalf("error code = %q, want invalid_request", code)
	}
}
