package storage

import (
	"context"
	"errors"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
)

// Sentinel errors returned by stores
var (
	// ErrGrantNotFound indicates no grant exists under the given key
	ErrGrantNotFound = errors.New("grant not found")

	// ErrGrantConsumed indicates the grant was already redeemed
	ErrGrantConsumed = errors.New("grant already consumed")

	// ErrClientNotFound indicates no client is registered under the given ID
	ErrClientNotFound = errors.New("client not found")

	// ErrResourceNotFound indicates no resource matches the given name or scope
	ErrResourceNotFound = errors.New("resource not found")

	// ErrDeviceCodeNotFound indicates no device authorization exists for the code
	ErrDeviceCodeNotFound = errors.New("device code not found")

	// ErrUserCodeCollision indicates the user code is already in use by a
	// live device authorization
	ErrUserCodeCollision = errors.New("user code already in use")
)

// PersistedGrantStore is the generic grant persistence layer. It is a dumb
// key-value store: Get returns expired-but-unswept grants, Store overwrites
// an existing key, and Remove of a missing key is a no-op success.
// All methods accept context.Context for tracing and cancellation.
type PersistedGrantStore interface {
	// Store persists the grant, overwriting any grant with the same key
	Store(ctx context.Context, grant *tokensmith.PersistedGrant) error

	// Get returns the grant for the key, or ErrGrantNotFound
	Get(ctx context.Context, key string) (*tokensmith.PersistedGrant, error)

	// GetAll returns every grant matching the filter
	GetAll(ctx context.Context, filter tokensmith.GrantFilter) ([]*tokensmith.PersistedGrant, error)

	// Remove deletes the grant for the key. Removing a missing key succeeds.
	Remove(ctx context.Context, key string) error

	// RemoveAll deletes every grant matching the filter
	RemoveAll(ctx context.Context, filter tokensmith.GrantFilter) error

	// Consume atomically marks the grant consumed and returns its state as
	// of consumption. A second concurrent Consume of the same key must
	// observe ErrGrantConsumed; at most one caller ever receives the grant.
	// Returns ErrGrantNotFound if no grant exists under the key.
	Consume(ctx context.Context, key string) (*tokensmith.PersistedGrant, error)

	// RemoveAllExpired deletes up to limit grants whose expiration is before
	// now and returns the removed grants. limit <= 0 means no limit.
	RemoveAllExpired(ctx context.Context, now time.Time, limit int) ([]*tokensmith.PersistedGrant, error)
}

// DeviceFlowStore persists device authorization records with two lookup
// axes: the device code polled by the device and the user code typed by the
// authenticating user.
type DeviceFlowStore interface {
	// StoreDeviceAuthorization persists a new device authorization. Returns
	// ErrUserCodeCollision if the user code is already held by a live record.
	StoreDeviceAuthorization(ctx context.Context, codes *tokensmith.DeviceFlowCodes) error

	// FindByDeviceCode returns the record for the device code, or
	// ErrDeviceCodeNotFound
	FindByDeviceCode(ctx context.Context, deviceCode string) (*tokensmith.DeviceFlowCodes, error)

	// FindByUserCode returns the record for the user code, or
	// ErrDeviceCodeNotFound
	FindByUserCode(ctx context.Context, userCode string) (*tokensmith.DeviceFlowCodes, error)

	// UpdateByUserCode replaces the record identified by the user code
	UpdateByUserCode(ctx context.Context, userCode string, codes *tokensmith.DeviceFlowCodes) error

	// RemoveByDeviceCode deletes the record. Removing a missing code succeeds.
	RemoveByDeviceCode(ctx context.Context, deviceCode string) error

	// ConsumeByDeviceCode atomically removes an authorized record and
	// returns it. At most one caller ever receives the record for a given
	// device code; concurrent consumers, and records that are missing or
	// not in the authorized state, observe ErrDeviceCodeNotFound. A record
	// that is not authorized is left in place.
	ConsumeByDeviceCode(ctx context.Context, deviceCode string) (*tokensmith.DeviceFlowCodes, error)

	// TouchPoll atomically applies the minimum-interval throttle for the
	// device code: if at least the record's interval has elapsed since the
	// previous poll it updates the last-poll timestamp and returns true,
	// otherwise it returns false without updating. Concurrent polls for the
	// same device code serialize on this check-and-update.
	TouchPoll(ctx context.Context, deviceCode string, now time.Time) (bool, error)

	// RemoveExpired deletes up to limit records expired before now and
	// returns them. limit <= 0 means no limit.
	RemoveExpired(ctx context.Context, now time.Time, limit int) ([]*tokensmith.DeviceFlowCodes, error)
}

// ClientStore is the read-only client configuration lookup. Client records
// are externally owned; the engine never mutates them.
type ClientStore interface {
	// FindClientByID returns the client, or ErrClientNotFound
	FindClientByID(ctx context.Context, clientID string) (*tokensmith.Client, error)
}

// ResourceStore is the read-only resource/scope configuration lookup.
type ResourceStore interface {
	// FindResourceByName returns the named resource, or ErrResourceNotFound
	FindResourceByName(ctx context.Context, name string) (*tokensmith.Resource, error)

	// FindResourcesByScopes returns every resource that defines at least one
	// of the given scopes
	FindResourcesByScopes(ctx context.Context, scopes []string) ([]*tokensmith.Resource, error)
}
