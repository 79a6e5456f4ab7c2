// Package tokensmith provides the shared data model for the OAuth 2.0 /
// OpenID Connect grant and token protocol engine: clients, resources,
// persisted grants, device flow codes, and the token issuance model.
package tokensmith

import (
	"time"
)

// ==================== Grant types and secret types ====================

// OAuth 2.0 grant type identifiers (RFC 6749, RFC 8628)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Persisted grant type tags. These discriminate records in the grant store.
const (
	PersistedGrantTypeAuthorizationCode = "authorization_code"
	PersistedGrantTypeRefreshToken      = "refresh_token"
	PersistedGrantTypeReferenceToken    = "reference_token"
	PersistedGrantTypeUserConsent       = "user_consent"
	PersistedGrantTypeDeviceCode        = "device_code"
)

// Secret type identifiers for registered client/resource secrets
const (
	// SecretTypeSharedHashed is a bcrypt hash of a shared secret
	SecretTypeSharedHashed = "shared_secret_hashed"

	// SecretTypeSharedPlain is a plaintext shared secret (test/dev only)
	SecretTypeSharedPlain = "shared_secret_plain"
)

// PKCE code challenge methods (RFC 7636)
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// AccessTokenType selects how access tokens for a client are represented
type AccessTokenType string

const (
	// AccessTokenTypeJWT issues self-contained signed tokens
	AccessTokenTypeJWT AccessTokenType = "jwt"

	// AccessTokenTypeReference issues opaque handles resolved via the grant store
	AccessTokenTypeReference AccessTokenType = "reference"
)

// RefreshTokenUsage selects the refresh token rotation policy for a client
type RefreshTokenUsage string

const (
	// RefreshTokenUsageReuse allows a refresh token to be redeemed repeatedly
	// until it expires or is revoked
	RefreshTokenUsageReuse RefreshTokenUsage = "reuse"

	// RefreshTokenUsageOneTime rotates the handle on every redemption; the
	// prior handle becomes invalid
	RefreshTokenUsageOneTime RefreshTokenUsage = "one_time"
)

// ==================== Client and Resource ====================

// Secret is a registered credential for a client or API resource.
type Secret struct {
	// Value is the stored secret material. For SecretTypeSharedHashed this
	// is a bcrypt hash, never the cleartext.
	Value string

	// Type identifies which secret validator can verify this secret
	Type string

	// Expiration is the optional time after which this secret is no longer
	// accepted. Zero means no expiration.
	Expiration time.Time
}

// Expired reports whether the secret is past its expiration at the given time
func (s Secret) Expired(now time.Time) bool {
	return !s.Expiration.IsZero() && now.After(s.Expiration)
}

// Client models a registered OAuth client. Clients are owned by external
// configuration and treated as immutable within a request.
type Client struct {
	// ID is the client identifier
	ID string

	// Secrets are the registered credentials. A client with no secrets is a
	// public client and can only use flows that permit unauthenticated
	// clients (e.g. device authorization).
	Secrets []Secret

	// AllowedGrantTypes lists the grant types the client may use
	AllowedGrantTypes []string

	// AllowedScopes lists the scopes the client may request
	AllowedScopes []string

	// RedirectURIs are the registered redirect URIs (exact-match only)
	RedirectURIs []string

	// PostLogoutRedirectURIs are the registered end-session redirect URIs
	PostLogoutRedirectURIs []string

	// RequirePKCE forces a code challenge on authorization requests
	RequirePKCE bool

	// AllowPlainTextPKCE permits the "plain" code challenge method
	AllowPlainTextPKCE bool

	// RequireConsent forces a consent check during authorization
	RequireConsent bool

	// AccessTokenType selects JWT or reference access tokens
	AccessTokenType AccessTokenType

	// RefreshTokenUsage selects the rotation policy
	RefreshTokenUsage RefreshTokenUsage

	// AllowedSigningAlgorithms restricts token signing algorithms for this
	// client. Empty means the issuer default.
	AllowedSigningAlgorithms []string

	// Token lifetimes in seconds. Zero selects the server default.
	AuthorizationCodeLifetime int
	AccessTokenLifetime       int
	RefreshTokenLifetime      int
	DeviceCodeLifetime        int
	IdentityTokenLifetime     int
}

// AllowsGrantType reports whether the client may use the given grant type
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.AllowedGrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the client may request the given scope
func (c *Client) AllowsScope(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IsPublic reports whether the client has no registered credentials
func (c *Client) IsPublic() bool {
	return len(c.Secrets) == 0
}

// Resource models an API resource or identity scope definition: the scopes
// it defines, the user claims associated with them, and optional secrets for
// introspection callers.
type Resource struct {
	// Name identifies the resource
	Name string

	// Scopes are the scope names this resource defines
	Scopes []string

	// UserClaims lists claim types to include in tokens for these scopes
	UserClaims []string

	// Secrets authenticate the resource at the introspection endpoint
	Secrets []Secret

	// AllowedSigningAlgorithms restricts signing algorithms for tokens
	// accepted by this resource. Empty means the issuer default.
	AllowedSigningAlgorithms []string
}

// HasScope reports whether the resource defines the given scope
func (r *Resource) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ==================== Persisted grants ====================

// PersistedGrant is the storage representation of any grant: authorization
// codes, refresh tokens, reference tokens, consent records, device codes.
// The Key is an opaque lookup value (a hash of the handle given to the
// caller), never the handle itself.
type PersistedGrant struct {
	// Key is the hashed lookup key
	Key string

	// Type is one of the PersistedGrantType constants
	Type string

	// SubjectID identifies the end user. Empty for client credentials grants.
	SubjectID string

	// ClientID identifies the owning client
	ClientID string

	// SessionID ties the grant to an authentication session
	SessionID string

	// CreationTime is when the grant was stored
	CreationTime time.Time

	// Expiration is when the grant becomes invalid for redemption
	Expiration time.Time

	// ConsumedTime is set at most once, when a single-use grant is redeemed.
	// A consumed grant is never again valid for redemption.
	ConsumedTime *time.Time

	// Data is the serialized protocol payload (scopes, claims snapshot,
	// code challenge, ...), opaque to the store
	Data string
}

// Expired reports whether the grant is past its expiration at the given time
func (g *PersistedGrant) Expired(now time.Time) bool {
	return !g.Expiration.IsZero() && now.After(g.Expiration)
}

// Consumed reports whether the grant has already been redeemed
func (g *PersistedGrant) Consumed() bool {
	return g.ConsumedTime != nil
}

// GrantFilter selects persisted grants for bulk query/delete. All set fields
// are ANDed; zero values match everything.
type GrantFilter struct {
	SubjectID string
	ClientID  string
	SessionID string
	Types     []string
}

// Matches reports whether the grant satisfies every set filter field
func (f GrantFilter) Matches(g *PersistedGrant) bool {
	if f.SubjectID != "" && g.SubjectID != f.SubjectID {
		return false
	}
	if f.ClientID != "" && g.ClientID != f.ClientID {
		return false
	}
	if f.SessionID != "" && g.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if g.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ==================== Device flow ====================

// DeviceCodeStatus is the stored state of a device authorization.
// Expiry is derived from the clock, not stored as a status.
type DeviceCodeStatus string

const (
	DeviceCodeStatusPending    DeviceCodeStatus = "pending"
	DeviceCodeStatusAuthorized DeviceCodeStatus = "authorized"
	DeviceCodeStatusDenied     DeviceCodeStatus = "denied"
)

// DeviceFlowCodes is one device authorization record, addressable by two
// independent keys: the long device code polled by the device and the short
// user code typed by the authenticating user.
type DeviceFlowCodes struct {
	// DeviceCode is the long, unguessable polling key
	DeviceCode string

	// UserCode is the short human-typeable key
	UserCode string

	// ClientID identifies the requesting client
	ClientID string

	// SubjectID is empty until the user authorizes
	SubjectID string

	// SessionID is set when the user authorizes
	SessionID string

	// Scopes are the scopes from the original device authorization request
	Scopes []string

	// CreationTime is when the device authorization was requested
	CreationTime time.Time

	// Expiration is when the device code stops being redeemable
	Expiration time.Time

	// Interval is the minimum polling interval in seconds
	Interval int

	// LastPolledAt is the time of the most recent poll, for throttling
	LastPolledAt time.Time

	// Status is pending until the user approves or denies
	Status DeviceCodeStatus
}

// Expired reports whether the device code is past its expiration
func (d *DeviceFlowCodes) Expired(now time.Time) bool {
	return !d.Expiration.IsZero() && now.After(d.Expiration)
}

// ==================== Token issuance model ====================

// Claim is a single type/value pair in a token's claim set
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Token type identifiers
const (
	TokenTypeAccess   = "access_token"
	TokenTypeIdentity = "id_token"
)

// Token is the canonical issuance model handed to the token service. It is
// built fresh per issuance call and never mutated afterwards.
type Token struct {
	// Type is access_token or id_token
	Type string

	// Issuer is the issuer identifier stamped into the token
	Issuer string

	// Audiences are the aud values
	Audiences []string

	// ClientID is the client the token was issued to
	ClientID string

	// SubjectID is the end user, empty for client credentials tokens
	SubjectID string

	// SessionID ties the token to an authentication session
	SessionID string

	// Scopes are the granted scopes
	Scopes []string

	// Claims is the claim set. Duplicate type+value pairs collapse.
	Claims []Claim

	// Nonce is echoed into id_tokens from the authorization request
	Nonce string

	// CreationTime is the iat instant
	CreationTime time.Time

	// Lifetime is the validity in seconds from CreationTime
	Lifetime int

	// SigningAlgorithm is the requested algorithm, subject to the
	// client/resource allow-list
	SigningAlgorithm string

	// AccessTokenType selects JWT or reference representation. Ignored for
	// id_tokens, which are always signed.
	AccessTokenType AccessTokenType
}

// Expiration returns the token's expiry instant
func (t *Token) Expiration() time.Time {
	return t.CreationTime.Add(time.Duration(t.Lifetime) * time.Second)
}

// ScopesContain reports whether the token carries the given scope
func (t *Token) ScopesContain(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
