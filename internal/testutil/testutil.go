package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	tokensmith "github.com/tokensmith/tokensmith"
)

// MockClock provides a controllable time source for deterministic testing
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new mock clock fixed at t
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the current mock time
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// HashSecret bcrypt-hashes a cleartext secret for test client registration
func HashSecret(secret string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}

// GenerateTestClient creates a confidential test client allowed the code,
// refresh, and device grants. The registered secret is a bcrypt hash of "secret".
func GenerateTestClient() *tokensmith.Client {
	return &tokensmith.Client{
		ID: "test-client-id",
		Secrets: []tokensmith.Secret{
			{Value: HashSecret("secret"), Type: tokensmith.SecretTypeSharedHashed},
		},
		AllowedGrantTypes: []string{
			tokensmith.GrantTypeAuthorizationCode,
			tokensmith.GrantTypeRefreshToken,
			tokensmith.GrantTypeDeviceCode,
		},
		AllowedScopes:             []string{"openid", "profile", "api"},
		RedirectURIs:              []string{"https://example.com/callback"},
		RequirePKCE:               true,
		AccessTokenType:           tokensmith.AccessTokenTypeJWT,
		RefreshTokenUsage:         tokensmith.RefreshTokenUsageOneTime,
		AuthorizationCodeLifetime: 600,
		AccessTokenLifetime:       3600,
		RefreshTokenLifetime:      2592000,
		DeviceCodeLifetime:        300,
		IdentityTokenLifetime:     300,
	}
}

// GenerateTestResource creates a test API resource definition
func GenerateTestResource() *tokensmith.Resource {
	return &tokensmith.Resource{
		Name:       "api",
		Scopes:     []string{"api", "api.read"},
		UserClaims: []string{"name", "email"},
		Secrets: []tokensmith.Secret{
			{Value: HashSecret("resource-secret"), Type: tokensmith.SecretTypeSharedHashed},
		},
	}
}

// GenerateTestGrant creates a persisted grant of the given type expiring
// after the given lifetime
func GenerateTestGrant(grantType string, now time.Time, lifetime time.Duration) *tokensmith.PersistedGrant {
	return &tokensmith.PersistedGrant{
		Key:          GenerateRandomString(32),
		Type:         grantType,
		SubjectID:    "test-user-123",
		ClientID:     "test-client-id",
		SessionID:    "test-session-1",
		CreationTime: now,
		Expiration:   now.Add(lifetime),
		Data:         "{}",
	}
}
