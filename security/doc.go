// Package security provides security support for the grant engine: audit
// logging with PII protection and clock-skew tolerant expiration checks.
//
// The Auditor emits structured security events through slog with subject
// identifiers hashed before logging. Expiration helpers apply a configurable
// grace period so minor time drift between hosts does not produce false
// invalid_grant responses.
package security
