package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/internal/util"
	"github.com/tokensmith/tokensmith/storage"
)

const (
	// keyLogLength is the number of characters to include when logging grant
	// keys. Enough uniqueness for debugging while keeping logs safe.
	keyLogLength = 8
)

// Store is an in-memory implementation of storage.PersistedGrantStore and
// storage.DeviceFlowStore.
type Store struct {
	mu sync.RWMutex

	// Grant storage, keyed by hashed handle
	grants map[string]*tokensmith.PersistedGrant

	// Device flow storage, two indexes into the same records
	deviceCodes map[string]*tokensmith.DeviceFlowCodes
	userCodes   map[string]string // user code -> device code

	clock  tokensmith.Clock
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.PersistedGrantStore = (*Store)(nil)
	_ storage.DeviceFlowStore     = (*Store)(nil)
)

// New creates a new in-memory store
func New() *Store {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new in-memory store with the given logger
func NewWithLogger(logger *slog.Logger) *Store {
	return newStore(logger, nil)
}

// NewWithClock creates a new in-memory store stamping consumption times from
// the given clock, for tests that substitute the wall clock
func NewWithClock(clock tokensmith.Clock) *Store {
	return newStore(nil, clock)
}

func newStore(logger *slog.Logger, clock tokensmith.Clock) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = tokensmith.SystemClock{}
	}
	return &Store{
		grants:      make(map[string]*tokensmith.PersistedGrant),
		deviceCodes: make(map[string]*tokensmith.DeviceFlowCodes),
		userCodes:   make(map[string]string),
		clock:       clock,
		logger:      logger,
	}
}

// ============================================================
// PersistedGrantStore implementation
// ============================================================

// Store persists the grant, overwriting any grant with the same key
func (s *Store) Store(ctx context.Context, grant *tokensmith.PersistedGrant) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *grant
	s.grants[grant.Key] = &cp

	s.logger.Debug("Stored grant",
		"type", grant.Type,
		"key_prefix", util.SafeTruncate(grant.Key, keyLogLength),
		"expiration", grant.Expiration)
	return nil
}

// Get returns the grant for the key, expired or not
func (s *Store) Get(ctx context.Context, key string) (*tokensmith.PersistedGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[key]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}
	cp := *grant
	return &cp, nil
}

// GetAll returns every grant matching the filter
func (s *Store) GetAll(ctx context.Context, filter tokensmith.GrantFilter) ([]*tokensmith.PersistedGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tokensmith.PersistedGrant
	for _, grant := range s.grants {
		if filter.Matches(grant) {
			cp := *grant
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Remove deletes the grant. Removing a missing key is a no-op success.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.grants, key)
	return nil
}

// RemoveAll deletes every grant matching the filter
func (s *Store) RemoveAll(ctx context.Context, filter tokensmith.GrantFilter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, grant := range s.grants {
		if filter.Matches(grant) {
			delete(s.grants, key)
		}
	}
	return nil
}

// Consume atomically marks the grant consumed. The check and the mark happen
// under one write lock acquisition, so of any number of concurrent callers
// exactly one receives the grant and the rest receive ErrGrantConsumed.
func (s *Store) Consume(ctx context.Context, key string) (*tokensmith.PersistedGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[key]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}
	if grant.ConsumedTime != nil {
		s.logger.Debug("Consume of already-consumed grant",
			"type", grant.Type,
			"key_prefix", util.SafeTruncate(key, keyLogLength))
		return nil, storage.ErrGrantConsumed
	}

	now := s.clock.Now().UTC()
	grant.ConsumedTime = &now

	cp := *grant
	return &cp, nil
}

// RemoveAllExpired deletes up to limit expired grants and returns them
func (s *Store) RemoveAllExpired(ctx context.Context, now time.Time, limit int) ([]*tokensmith.PersistedGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*tokensmith.PersistedGrant
	for key, grant := range s.grants {
		if limit > 0 && len(removed) >= limit {
			break
		}
		if grant.Expired(now) {
			cp := *grant
			removed = append(removed, &cp)
			delete(s.grants, key)
		}
	}

	if len(removed) > 0 {
		s.logger.Debug("Removed expired grants", "count", len(removed))
	}
	return removed, nil
}

// ============================================================
// DeviceFlowStore implementation
// ============================================================

// StoreDeviceAuthorization persists a new device authorization
func (s *Store) StoreDeviceAuthorization(ctx context.Context, codes *tokensmith.DeviceFlowCodes) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.userCodes[codes.UserCode]; ok && existing != codes.DeviceCode {
		return storage.ErrUserCodeCollision
	}

	cp := *codes
	s.deviceCodes[codes.DeviceCode] = &cp
	s.userCodes[codes.UserCode] = codes.DeviceCode

	s.logger.Debug("Stored device authorization",
		"client_id", codes.ClientID,
		"user_code", codes.UserCode,
		"expiration", codes.Expiration)
	return nil
}

// FindByDeviceCode returns the record for the device code
func (s *Store) FindByDeviceCode(ctx context.Context, deviceCode string) (*tokensmith.DeviceFlowCodes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	codes, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceCodeNotFound
	}
	cp := *codes
	return &cp, nil
}

// FindByUserCode returns the record for the user code
func (s *Store) FindByUserCode(ctx context.Context, userCode string) (*tokensmith.DeviceFlowCodes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, storage.ErrDeviceCodeNotFound
	}
	codes, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceCodeNotFound
	}
	cp := *codes
	return &cp, nil
}

// UpdateByUserCode replaces the record identified by the user code
func (s *Store) UpdateByUserCode(ctx context.Context, userCode string, codes *tokensmith.DeviceFlowCodes) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return storage.ErrDeviceCodeNotFound
	}
	existing, ok := s.deviceCodes[deviceCode]
	if !ok {
		return storage.ErrDeviceCodeNotFound
	}

	cp := *codes
	cp.DeviceCode = existing.DeviceCode
	cp.UserCode = existing.UserCode
	s.deviceCodes[deviceCode] = &cp
	return nil
}

// RemoveByDeviceCode deletes the record and both its indexes
func (s *Store) RemoveByDeviceCode(ctx context.Context, deviceCode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if codes, ok := s.deviceCodes[deviceCode]; ok {
		delete(s.userCodes, codes.UserCode)
		delete(s.deviceCodes, deviceCode)
	}
	return nil
}

// ConsumeByDeviceCode atomically removes an authorized record and returns
// it. The status check and the deletion happen under one write lock
// acquisition, so of any number of concurrent callers exactly one receives
// the record and the rest observe ErrDeviceCodeNotFound.
func (s *Store) ConsumeByDeviceCode(ctx context.Context, deviceCode string) (*tokensmith.DeviceFlowCodes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codes, ok := s.deviceCodes[deviceCode]
	if !ok || codes.Status != tokensmith.DeviceCodeStatusAuthorized {
		return nil, storage.ErrDeviceCodeNotFound
	}

	cp := *codes
	delete(s.userCodes, codes.UserCode)
	delete(s.deviceCodes, deviceCode)
	return &cp, nil
}

// TouchPoll atomically applies the minimum-interval throttle. The elapsed
// check and the timestamp update happen under one write lock acquisition.
func (s *Store) TouchPoll(ctx context.Context, deviceCode string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codes, ok := s.deviceCodes[deviceCode]
	if !ok {
		return false, storage.ErrDeviceCodeNotFound
	}

	interval := time.Duration(codes.Interval) * time.Second
	if !codes.LastPolledAt.IsZero() && now.Sub(codes.LastPolledAt) < interval {
		return false, nil
	}

	codes.LastPolledAt = now
	return true, nil
}

// RemoveExpired deletes up to limit expired device authorizations and returns them
func (s *Store) RemoveExpired(ctx context.Context, now time.Time, limit int) ([]*tokensmith.DeviceFlowCodes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*tokensmith.DeviceFlowCodes
	for deviceCode, codes := range s.deviceCodes {
		if limit > 0 && len(removed) >= limit {
			break
		}
		if codes.Expired(now) {
			cp := *codes
			removed = append(removed, &cp)
			delete(s.userCodes, codes.UserCode)
			delete(s.deviceCodes, deviceCode)
		}
	}

	if len(removed) > 0 {
		s.logger.Debug("Removed expired device authorizations", "count", len(removed))
	}
	return removed, nil
}
