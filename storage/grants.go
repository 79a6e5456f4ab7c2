package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	tokensmith "github.com/tokensmith/tokensmith"
)

// HashHandle derives the store lookup key from a caller-held handle. The
// handle itself is never persisted, so a leaked store cannot be replayed
// against the token endpoint.
func HashHandle(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return hex.EncodeToString(sum[:])
}

// NewHandle generates a cryptographically secure opaque handle, URL-safe and
// base64-encoded, suitable for authorization codes, refresh tokens, and
// reference tokens.
func NewHandle() string {
	return oauth2.GenerateVerifier()
}

// ==================== Authorization codes ====================

// AuthorizationCode is the persisted payload of an authorization code grant.
// It is a flat snapshot taken at authorization time.
type AuthorizationCode struct {
	ClientID            string    `json:"client_id"`
	SubjectID           string    `json:"subject_id"`
	SessionID           string    `json:"session_id"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirect_uri"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreationTime        time.Time `json:"creation_time"`
	Lifetime            int       `json:"lifetime"`
}

// Expiration returns the code's expiry instant
func (c *AuthorizationCode) Expiration() time.Time {
	return c.CreationTime.Add(time.Duration(c.Lifetime) * time.Second)
}

// AuthorizationCodeStore is the typed view over the grant store for
// single-use authorization codes. Redemption goes through the store's atomic
// Consume so a code can never be redeemed twice.
type AuthorizationCodeStore struct {
	grants     PersistedGrantStore
	serializer Serializer
}

// NewAuthorizationCodeStore creates the typed authorization code view
func NewAuthorizationCodeStore(grants PersistedGrantStore, serializer Serializer) *AuthorizationCodeStore {
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	return &AuthorizationCodeStore{grants: grants, serializer: serializer}
}

// Store persists the code and returns the handle to hand to the client
func (s *AuthorizationCodeStore) Store(ctx context.Context, code *AuthorizationCode) (string, error) {
	handle := NewHandle()
	data, err := s.serializer.Serialize(code)
	if err != nil {
		return "", err
	}

	grant := &tokensmith.PersistedGrant{
		Key:          HashHandle(handle),
		Type:         tokensmith.PersistedGrantTypeAuthorizationCode,
		SubjectID:    code.SubjectID,
		ClientID:     code.ClientID,
		SessionID:    code.SessionID,
		CreationTime: code.CreationTime,
		Expiration:   code.Expiration(),
		Data:         data,
	}
	if err := s.grants.Store(ctx, grant); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return handle, nil
}

// Redeem atomically consumes the code and returns its payload. A second
// redemption of the same handle, concurrent or not, returns ErrGrantConsumed.
// Expiration is not checked here; that is the validator's responsibility.
func (s *AuthorizationCodeStore) Redeem(ctx context.Context, handle string) (*AuthorizationCode, error) {
	grant, err := s.grants.Consume(ctx, HashHandle(handle))
	if err != nil {
		return nil, err
	}
	var code AuthorizationCode
	if err := s.serializer.Deserialize(grant.Data, &code); err != nil {
		return nil, err
	}
	return &code, nil
}

// Remove deletes the code without redeeming it
func (s *AuthorizationCodeStore) Remove(ctx context.Context, handle string) error {
	return s.grants.Remove(ctx, HashHandle(handle))
}

// ==================== Refresh tokens ====================

// RefreshToken is the persisted payload of a refresh token grant
type RefreshToken struct {
	ClientID        string                     `json:"client_id"`
	SubjectID       string                     `json:"subject_id"`
	SessionID       string                     `json:"session_id"`
	Scopes          []string                   `json:"scopes"`
	AccessTokenType tokensmith.AccessTokenType `json:"access_token_type"`
	CreationTime    time.Time                  `json:"creation_time"`
	Lifetime        int                        `json:"lifetime"`
}

// Expiration returns the refresh token's expiry instant
func (t *RefreshToken) Expiration() time.Time {
	return t.CreationTime.Add(time.Duration(t.Lifetime) * time.Second)
}

// RefreshTokenStore is the typed view over the grant store for refresh tokens
type RefreshTokenStore struct {
	grants     PersistedGrantStore
	serializer Serializer
}

// NewRefreshTokenStore creates the typed refresh token view
func NewRefreshTokenStore(grants PersistedGrantStore, serializer Serializer) *RefreshTokenStore {
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	return &RefreshTokenStore{grants: grants, serializer: serializer}
}

// Store persists the refresh token and returns the handle
func (s *RefreshTokenStore) Store(ctx context.Context, token *RefreshToken) (string, error) {
	handle := NewHandle()
	data, err := s.serializer.Serialize(token)
	if err != nil {
		return "", err
	}

	grant := &tokensmith.PersistedGrant{
		Key:          HashHandle(handle),
		Type:         tokensmith.PersistedGrantTypeRefreshToken,
		SubjectID:    token.SubjectID,
		ClientID:     token.ClientID,
		SessionID:    token.SessionID,
		CreationTime: token.CreationTime,
		Expiration:   token.Expiration(),
		Data:         data,
	}
	if err := s.grants.Store(ctx, grant); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return handle, nil
}

// Get returns the refresh token payload without consuming it. Used by
// clients with the reuse rotation policy and by introspection.
func (s *RefreshTokenStore) Get(ctx context.Context, handle string) (*RefreshToken, error) {
	grant, err := s.grants.Get(ctx, HashHandle(handle))
	if err != nil {
		return nil, err
	}
	if grant.Consumed() {
		return nil, ErrGrantConsumed
	}
	return s.decode(grant)
}

// Redeem atomically consumes the refresh token for one-time rotation
func (s *RefreshTokenStore) Redeem(ctx context.Context, handle string) (*RefreshToken, error) {
	grant, err := s.grants.Consume(ctx, HashHandle(handle))
	if err != nil {
		return nil, err
	}
	return s.decode(grant)
}

// Remove revokes the refresh token
func (s *RefreshTokenStore) Remove(ctx context.Context, handle string) error {
	return s.grants.Remove(ctx, HashHandle(handle))
}

// RemoveForSession revokes every refresh token tied to the session
func (s *RefreshTokenStore) RemoveForSession(ctx context.Context, subjectID, sessionID string) error {
	return s.grants.RemoveAll(ctx, tokensmith.GrantFilter{
		SubjectID: subjectID,
		SessionID: sessionID,
		Types:     []string{tokensmith.PersistedGrantTypeRefreshToken},
	})
}

func (s *RefreshTokenStore) decode(grant *tokensmith.PersistedGrant) (*RefreshToken, error) {
	var token RefreshToken
	if err := s.serializer.Deserialize(grant.Data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// ==================== Reference tokens ====================

// ReferenceToken is the persisted claims snapshot behind an opaque access
// token handle. Introspection and userinfo dereference it.
type ReferenceToken struct {
	Issuer       string             `json:"issuer"`
	Audiences    []string           `json:"audiences,omitempty"`
	ClientID     string             `json:"client_id"`
	SubjectID    string             `json:"subject_id,omitempty"`
	SessionID    string             `json:"session_id,omitempty"`
	Scopes       []string           `json:"scopes,omitempty"`
	Claims       []tokensmith.Claim `json:"claims,omitempty"`
	CreationTime time.Time          `json:"creation_time"`
	Lifetime     int                `json:"lifetime"`
}

// Expiration returns the reference token's expiry instant
func (t *ReferenceToken) Expiration() time.Time {
	return t.CreationTime.Add(time.Duration(t.Lifetime) * time.Second)
}

// ReferenceTokenStore is the typed view over the grant store for reference tokens
type ReferenceTokenStore struct {
	grants     PersistedGrantStore
	serializer Serializer
}

// NewReferenceTokenStore creates the typed reference token view
func NewReferenceTokenStore(grants PersistedGrantStore, serializer Serializer) *ReferenceTokenStore {
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	return &ReferenceTokenStore{grants: grants, serializer: serializer}
}

// Store persists the token snapshot and returns the opaque handle
func (s *ReferenceTokenStore) Store(ctx context.Context, token *ReferenceToken) (string, error) {
	handle := NewHandle()
	data, err := s.serializer.Serialize(token)
	if err != nil {
		return "", err
	}

	grant := &tokensmith.PersistedGrant{
		Key:          HashHandle(handle),
		Type:         tokensmith.PersistedGrantTypeReferenceToken,
		SubjectID:    token.SubjectID,
		ClientID:     token.ClientID,
		SessionID:    token.SessionID,
		CreationTime: token.CreationTime,
		Expiration:   token.Expiration(),
		Data:         data,
	}
	if err := s.grants.Store(ctx, grant); err != nil {
		return "", fmt.Errorf("failed to store reference token: %w", err)
	}
	return handle, nil
}

// Get dereferences the handle, or returns ErrGrantNotFound
func (s *ReferenceTokenStore) Get(ctx context.Context, handle string) (*ReferenceToken, error) {
	grant, err := s.grants.Get(ctx, HashHandle(handle))
	if err != nil {
		return nil, err
	}
	var token ReferenceToken
	if err := s.serializer.Deserialize(grant.Data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Remove revokes the reference token
func (s *ReferenceTokenStore) Remove(ctx context.Context, handle string) error {
	return s.grants.Remove(ctx, HashHandle(handle))
}

// RemoveForSession revokes every reference token tied to the session
func (s *ReferenceTokenStore) RemoveForSession(ctx context.Context, subjectID, sessionID string) error {
	return s.grants.RemoveAll(ctx, tokensmith.GrantFilter{
		SubjectID: subjectID,
		SessionID: sessionID,
		Types:     []string{tokensmith.PersistedGrantTypeReferenceToken},
	})
}

// ==================== User consent ====================

// Consent records the scopes a subject has granted to a client
type Consent struct {
	SubjectID    string    `json:"subject_id"`
	ClientID     string    `json:"client_id"`
	Scopes       []string  `json:"scopes"`
	CreationTime time.Time `json:"creation_time"`
	Expiration   time.Time `json:"expiration,omitempty"`
}

// ConsentStore is the typed view over the grant store for consent records.
// Consent is keyed by subject and client rather than a random handle.
type ConsentStore struct {
	grants     PersistedGrantStore
	serializer Serializer
}

// NewConsentStore creates the typed consent view
func NewConsentStore(grants PersistedGrantStore, serializer Serializer) *ConsentStore {
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	return &ConsentStore{grants: grants, serializer: serializer}
}

func consentKey(subjectID, clientID string) string {
	return HashHandle(subjectID + "|" + clientID + "|" + tokensmith.PersistedGrantTypeUserConsent)
}

// Store persists (or replaces) the consent record
func (s *ConsentStore) Store(ctx context.Context, consent *Consent) error {
	data, err := s.serializer.Serialize(consent)
	if err != nil {
		return err
	}

	grant := &tokensmith.PersistedGrant{
		Key:          consentKey(consent.SubjectID, consent.ClientID),
		Type:         tokensmith.PersistedGrantTypeUserConsent,
		SubjectID:    consent.SubjectID,
		ClientID:     consent.ClientID,
		CreationTime: consent.CreationTime,
		Expiration:   consent.Expiration,
		Data:         data,
	}
	if err := s.grants.Store(ctx, grant); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

// Get returns the consent record for the subject/client pair, or
// ErrGrantNotFound if the subject has never consented
func (s *ConsentStore) Get(ctx context.Context, subjectID, clientID string) (*Consent, error) {
	grant, err := s.grants.Get(ctx, consentKey(subjectID, clientID))
	if err != nil {
		return nil, err
	}
	var consent Consent
	if err := s.serializer.Deserialize(grant.Data, &consent); err != nil {
		return nil, err
	}
	return &consent, nil
}

// Remove withdraws consent
func (s *ConsentStore) Remove(ctx context.Context, subjectID, clientID string) error {
	return s.grants.Remove(ctx, consentKey(subjectID, clientID))
}

// IsNotFound reports whether the error is the store's not-found sentinel
func IsNotFound(err error) bool {
	return errors.Is(err, ErrGrantNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrDeviceCodeNotFound)
}
