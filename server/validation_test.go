package server

import (
	"strings"
	"testing"

	tokensmith "github.com/tokensmith/tokensmith"
)

func TestValidateRedirectURI(t *testing.T) {
	client := &tokensmith.Client{
		ID:           "web-app",
		RedirectURIs: []string{"https://app.example.com/callback"},
	}

	cases := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"exact match", "https://app.example.com/callback", false},
		{"empty", "", true},
		{"unregistered", "https://app.example.com/other", true},
		{"prefix is not a match", "https://app.example.com/callback/extra", true},
		{"case differs", "https://APP.example.com/callback", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateRedirectURI(client, tc.uri)
			if (err != nil) != tc.wantErr {
				t.Errorf("validateRedirectURI(%q) error = %v, wantErr %v", tc.uri, err, tc.wantErr)
			}
		})
	}
}

func TestVerifyPKCE(t *testing.T) {
	challenge := testChallenge()

	cases := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"valid S256", challenge, tokensmith.CodeChallengeMethodS256, testVerifier, false},
		{"wrong verifier", challenge, tokensmith.CodeChallengeMethodS256, strings.Repeat("a", 43), true},
		{"missing verifier", challenge, tokensmith.CodeChallengeMethodS256, "", true},
		{"verifier too short", challenge, tokensmith.CodeChallengeMethodS256, "short", true},
		{"verifier too long", challenge, tokensmith.CodeChallengeMethodS256, strings.Repeat("a", 129), true},
		{"invalid characters", challenge, tokensmith.CodeChallengeMethodS256, strings.Repeat("a", 42) + "!", true},
		{"plain match", testVerifier, tokensmith.CodeChallengeMethodPlain, testVerifier, false},
		{"plain mismatch", testVerifier, tokensmith.CodeChallengeMethodPlain, strings.Repeat("b", 43), true},
		{"no challenge no verifier", "", "", "", false},
		{"verifier without challenge", "", "", testVerifier, true},
		{"unsupported method", challenge, "S512", testVerifier, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := verifyPKCE(tc.challenge, tc.method, tc.verifier)
			if (err != nil) != tc.wantErr {
				t.Errorf("verifyPKCE() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidatePKCEChallenge(t *testing.T) {
	cases := []struct {
		name      string
		config    Config
		client    tokensmith.Client
		challenge string
		method    string
		wantErr   bool
	}{
		{
			name:      "S256 always accepted",
			config:    Config{RequirePKCE: true},
			challenge: testChallenge(),
			method:    tokensmith.CodeChallengeMethodS256,
		},
		{
			name:    "missing challenge when globally required",
			config:  Config{RequirePKCE: true},
			wantErr: true,
		},
		{
			name:   "missing challenge when client requires it",
			client: tokensmith.Client{RequirePKCE: true},
			// Config.AllowPKCEPlain set so applySecurityDefaults does not
			// re-enable global enforcement for this case.
			config:  Config{AllowPKCEPlain: true},
			wantErr: true,
		},
		{
			name:      "plain needs both server and client opt-in",
			config:    Config{RequirePKCE: true},
			client:    tokensmith.Client{AllowPlainTextPKCE: true},
			challenge: testVerifier,
			method:    tokensmith.CodeChallengeMethodPlain,
			wantErr:   true,
		},
		{
			name:      "plain accepted when fully opted in",
			config:    Config{RequirePKCE: true, AllowPKCEPlain: true},
			client:    tokensmith.Client{AllowPlainTextPKCE: true},
			challenge: testVerifier,
			method:    tokensmith.CodeChallengeMethodPlain,
		},
		{
			name:      "unknown method",
			config:    Config{RequirePKCE: true},
			challenge: testChallenge(),
			method:    "S512",
			wantErr:   true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fixture := newTestServer(t, func(deps *Dependencies, config *Config) {
				config.RequirePKCE = tc.config.RequirePKCE
				config.AllowPKCEPlain = tc.config.AllowPKCEPlain
			})
			client := tc.client
			client.ID = "under-test"

			err := fixture.server.validatePKCEChallenge(&client, tc.challenge, tc.method)
			if (err != nil) != tc.wantErr {
				t.Errorf("validatePKCEChallenge() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestScopesContain(t *testing.T) {
	have := []string{"openid", "profile", "orders.read"}

	if !scopesContain(have, []string{"openid", "orders.read"}) {
		t.Error("subset should be contained")
	}
	if !scopesContain(have, nil) {
		t.Error("empty want is always contained")
	}
	if scopesContain(have, []string{"orders.write"}) {
		t.Error("missing scope should not be contained")
	}
	if scopesContain(nil, []string{"openid"}) {
		t.Error("nothing is contained in an empty set")
	}
}
