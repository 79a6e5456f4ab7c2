package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event type constants for security audit logging.
const (
	// EventTokenIssued is logged when tokens are issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// EventGrantConsumed is logged when a single-use grant is redeemed
	EventGrantConsumed = "grant_consumed"

	// EventGrantReuseDetected is logged when a consumed grant is presented again
	EventGrantReuseDetected = "grant_reuse_detected"

	// EventAuthFailure is logged on client or resource authentication failure
	EventAuthFailure = "auth_failure"

	// EventDeviceAuthorizationStarted is logged when a device flow begins
	EventDeviceAuthorizationStarted = "device_authorization_started"

	// EventDeviceAuthorizationCompleted is logged when a user approves or denies
	EventDeviceAuthorizationCompleted = "device_authorization_completed"

	// EventSessionEnded is logged when an end-session request removes grants
	EventSessionEnded = "session_ended"

	// EventGrantsSwept is logged when the cleanup process removes expired grants
	EventGrantsSwept = "grants_swept"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_id_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when tokens are issued
func (a *Auditor) LogTokenIssued(subjectID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs when a refresh token is redeemed
func (a *Auditor) LogTokenRefreshed(subjectID, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(subjectID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(subjectID, clientID, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogGrantReuse logs a redemption attempt against an already-consumed grant
func (a *Auditor) LogGrantReuse(subjectID, clientID, grantType string) {
	a.LogEvent(Event{
		Type:      EventGrantReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"severity":   "critical",
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
