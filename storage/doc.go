// Package storage defines the persistence contracts for the grant engine.
//
// The storage package defines the core interfaces used throughout the
// tokensmith library:
//   - PersistedGrantStore: generic key-value grant persistence with filtered
//     bulk query/delete and an atomic Consume operation for single-use grants
//   - DeviceFlowStore: device authorization records with the dual
//     device_code/user_code lookup axes and atomic poll throttling
//   - ClientStore / ResourceStore: read-only configuration lookups
//
// It also provides the typed grant views (authorization codes, refresh
// tokens, reference tokens, consent) that hash caller handles, fix the grant
// type tag, and serialize/deserialize the opaque payloads, plus the
// cycle-safe JSON payload serializer they use.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
//
// The store layer is deliberately dumb: Get returns expired-but-unswept
// grants, and expiration enforcement happens in the request validators.
package storage
