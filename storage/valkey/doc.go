// Package valkey provides a Valkey/Redis-compatible implementation of the
// grant engine's storage interfaces for multi-instance deployments.
//
// Grants and device authorizations are stored as JSON values under prefixed
// keys. The single-use Consume operation and the device-flow poll throttle
// are implemented as server-side Lua scripts, so they stay atomic across
// concurrent callers on different hosts.
//
// Keys carry a TTL of the record's expiration plus a retention margin. The
// margin keeps expired-but-unswept records readable (expiry enforcement
// belongs to the validators, not the store) while still bounding storage
// growth if the cleanup process is down.
package valkey
