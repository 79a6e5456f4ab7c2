package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	tokensmith "github.com/tokensmith/tokensmith"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "tokensmith:"

	// DefaultExpiredRetention is how long expired records stay readable past
	// their expiration before the key TTL reclaims them. The cleanup process
	// normally removes them first; the TTL is the backstop.
	DefaultExpiredRetention = 24 * time.Hour

	// keyLogLength is the number of characters to include when logging keys
	keyLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "tokensmith:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// ExpiredRetention overrides how long expired records stay readable
	// before the key TTL reclaims them (default 24h)
	ExpiredRetention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Clock overrides the wall clock used for TTL computation and
	// consumption stamps, for tests (default: the system clock)
	Clock tokensmith.Clock
}

// Store is a Valkey-backed implementation of storage.PersistedGrantStore and
// storage.DeviceFlowStore.
type Store struct {
	client    valkeygo.Client
	prefix    string
	retention time.Duration
	clock     tokensmith.Clock
	logger    *slog.Logger
}

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	retention := cfg.ExpiredRetention
	if retention <= 0 {
		retention = DefaultExpiredRetention
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = tokensmith.SystemClock{}
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		retention: retention,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Key construction helpers

func (s *Store) grantKey(key string) string {
	return s.prefix + "grant:" + key
}

func (s *Store) deviceKey(deviceCode string) string {
	return s.prefix + "device:" + deviceCode
}

func (s *Store) userCodeKey(userCode string) string {
	return s.prefix + "usercode:" + userCode
}

func (s *Store) pollKey(deviceCode string) string {
	return s.prefix + "devicepoll:" + deviceCode
}

// ttlFor computes the key TTL for a record expiring at expiration: lifetime
// remaining plus the expired-retention margin. Zero expiration means no TTL.
func (s *Store) ttlFor(expiration, now time.Time) (time.Duration, bool) {
	if expiration.IsZero() {
		return 0, false
	}
	ttl := expiration.Sub(now) + s.retention
	if ttl <= 0 {
		ttl = time.Second
	}
	return ttl, true
}

// scanKeys iterates all keys matching pattern and invokes fn for each batch
func (s *Store) scanKeys(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := fn(entry.Elements); err != nil {
				return err
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// luaConsumeGrant atomically marks a persisted grant consumed. Only one
// concurrent caller can succeed; the rest observe ALREADY_CONSUMED.
//
// KEYS[1] = grant key
// ARGV[1] = consumed_time (RFC 3339)
//
// Returns:
//   - the grant JSON as of consumption (consumed_time already set)
//   - "NOT_FOUND" if the key doesn't exist
//   - "ALREADY_CONSUMED" if consumed_time was already set
const luaConsumeGrant = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local grant = cjson.decode(data)

if grant.consumed_time then
    return 'ALREADY_CONSUMED'
end

grant.consumed_time = ARGV[1]
local encoded = cjson.encode(grant)
redis.call('SET', KEYS[1], encoded, 'KEEPTTL')

return encoded
`

// luaConsumeDevice atomically consumes an authorized device record: the
// status check and the deletion of the record and its indexes happen in one
// script, so only one concurrent caller can receive the record.
//
// KEYS[1] = device record key
// KEYS[2] = poll timestamp key
// ARGV[1] = user code key prefix
//
// Returns:
//   - the record JSON as of consumption
//   - "NOT_FOUND" if the key doesn't exist or the record is not authorized
const luaConsumeDevice = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)

if record.status ~= 'authorized' then
    return 'NOT_FOUND'
end

redis.call('DEL', KEYS[1], KEYS[2], ARGV[1] .. record.user_code)

return data
`

// luaTouchPoll atomically applies the device-flow minimum poll interval.
//
// KEYS[1] = poll timestamp key
// ARGV[1] = now (unix seconds)
// ARGV[2] = interval (seconds)
// ARGV[3] = key TTL (seconds)
//
// Returns 1 if the poll is allowed (timestamp updated), 0 if throttled.
const luaTouchPoll = `
local last = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])

if last and (now - tonumber(last)) < interval then
    return 0
end

redis.call('SET', KEYS[1], now, 'EX', tonumber(ARGV[3]))
return 1
`
