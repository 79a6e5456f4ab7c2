// Package deviceflow implements the device authorization grant (RFC 8628):
// code pair generation, the polling state machine, and user approval.
package deviceflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/instrumentation"
	"github.com/tokensmith/tokensmith/security"
	"github.com/tokensmith/tokensmith/storage"
)

const (
	// DefaultInterval is the minimum polling interval in seconds (RFC 8628 §3.5)
	DefaultInterval = 5

	// DefaultCodeLifetime is the device code validity when the client does
	// not configure one
	DefaultCodeLifetime = 300

	// maxUserCodeAttempts bounds collision retries during code generation
	maxUserCodeAttempts = 5
)

// Authorization is the response to a device authorization request
// (RFC 8628 §3.2)
type Authorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// Config holds device flow engine configuration
type Config struct {
	// VerificationURI is where users enter their code
	VerificationURI string

	// Interval is the minimum polling interval in seconds.
	// Zero selects DefaultInterval.
	Interval int

	// CodeLifetime is the device code validity in seconds, used when the
	// client does not configure its own. Zero selects DefaultCodeLifetime.
	CodeLifetime int

	// Clock overrides the wall clock, for tests
	Clock tokensmith.Clock

	// Logger receives engine debug logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Auditor records security events when set
	Auditor *security.Auditor

	// Instrumentation records device flow metrics when set
	Instrumentation *instrumentation.Instrumentation
}

// Engine drives device authorizations against the device flow store.
// Poll throttling is enforced twice: a per-process limiter map catches hot
// loops without a store round trip, and the store's TouchPoll serializes
// polls across instances.
type Engine struct {
	store  storage.DeviceFlowStore
	config Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEngine creates a device flow engine
func NewEngine(store storage.DeviceFlowStore, config Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("device flow store is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.CodeLifetime <= 0 {
		config.CodeLifetime = DefaultCodeLifetime
	}
	if config.Clock == nil {
		config.Clock = tokensmith.SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Engine{
		store:    store,
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Start creates a new device authorization for the client and returns the
// code pair. The user code is retried on collision a bounded number of times.
func (e *Engine) Start(ctx context.Context, client *tokensmith.Client, scopes []string) (*Authorization, error) {
	now := e.config.Clock.Now().UTC()
	lifetime := client.DeviceCodeLifetime
	if lifetime <= 0 {
		lifetime = e.config.CodeLifetime
	}

	var lastErr error
	for attempt := 0; attempt < maxUserCodeAttempts; attempt++ {
		userCode, err := GenerateUserCode()
		if err != nil {
			return nil, err
		}

		codes := &tokensmith.DeviceFlowCodes{
			DeviceCode:   storage.NewHandle(),
			UserCode:     userCode,
			ClientID:     client.ID,
			Scopes:       scopes,
			CreationTime: now,
			Expiration:   now.Add(time.Duration(lifetime) * time.Second),
			Interval:     e.config.Interval,
			Status:       tokensmith.DeviceCodeStatusPending,
		}

		err = e.store.StoreDeviceAuthorization(ctx, codes)
		if errors.Is(err, storage.ErrUserCodeCollision) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to store device authorization: %w", err)
		}

		e.config.Logger.Info("Device authorization started",
			"client_id", client.ID,
			"user_code", userCode,
			"expires_in", lifetime)
		e.config.Auditor.LogEvent(security.Event{
			Type:     security.EventDeviceAuthorizationStarted,
			ClientID: client.ID,
		})
		if e.config.Instrumentation != nil {
			e.config.Instrumentation.Metrics().RecordDeviceFlowStarted(ctx, client.ID)
		}

		return &Authorization{
			DeviceCode:              codes.DeviceCode,
			UserCode:                userCode,
			VerificationURI:         e.config.VerificationURI,
			VerificationURIComplete: verificationURIComplete(e.config.VerificationURI, userCode),
			ExpiresIn:               lifetime,
			Interval:                e.config.Interval,
		}, nil
	}
	return nil, fmt.Errorf("user code space exhausted: %w", lastErr)
}

// Poll resolves one device token request. Authorized codes are consumed:
// the record is deleted and returned exactly once; every later poll sees
// invalid_grant.
func (e *Engine) Poll(ctx context.Context, client *tokensmith.Client, deviceCode string) (*tokensmith.DeviceFlowCodes, error) {
	now := e.config.Clock.Now().UTC()

	codes, err := e.store.FindByDeviceCode(ctx, deviceCode)
	if errors.Is(err, storage.ErrDeviceCodeNotFound) {
		return nil, tokensmith.ErrInvalidGrant("invalid device code")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device code: %w", err)
	}
	if codes.ClientID != client.ID {
		// A foreign code is indistinguishable from an unknown one.
		return nil, tokensmith.ErrInvalidGrant("invalid device code")
	}

	if codes.Expired(now) {
		e.forget(ctx, deviceCode)
		e.completed(ctx, client.ID, "expired")
		return nil, tokensmith.ErrExpiredToken("device code expired")
	}

	if !e.allowPoll(ctx, deviceCode, now, codes.Interval) {
		if e.config.Instrumentation != nil {
			e.config.Instrumentation.Metrics().RecordDevicePollThrottled(ctx, client.ID)
		}
		return nil, tokensmith.ErrSlowDown("polling too frequently")
	}

	switch codes.Status {
	case tokensmith.DeviceCodeStatusPending:
		return nil, tokensmith.ErrAuthorizationPending("user has not yet authorized")

	case tokensmith.DeviceCodeStatusDenied:
		e.forget(ctx, deviceCode)
		e.completed(ctx, client.ID, "denied")
		return nil, tokensmith.ErrAccessDenied("user denied the request")

	case tokensmith.DeviceCodeStatusAuthorized:
		consumed, err := e.store.ConsumeByDeviceCode(ctx, deviceCode)
		if errors.Is(err, storage.ErrDeviceCodeNotFound) {
			// A concurrent poll won the consumption. This poll behaves
			// like any poll after the code was redeemed.
			return nil, tokensmith.ErrInvalidGrant("invalid device code")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to consume device code: %w", err)
		}
		e.evictLimiter(deviceCode)
		e.completed(ctx, client.ID, "authorized")
		e.config.Auditor.LogEvent(security.Event{
			Type:      security.EventDeviceAuthorizationCompleted,
			SubjectID: consumed.SubjectID,
			ClientID:  client.ID,
		})
		return consumed, nil

	default:
		return nil, tokensmith.ErrServerError(fmt.Sprintf("unknown device code status %q", codes.Status))
	}
}

// Approve marks the authorization approved on behalf of the subject. The
// device receives the result on its next poll.
func (e *Engine) Approve(ctx context.Context, userCode, subjectID, sessionID string) error {
	codes, err := e.lookupLive(ctx, userCode)
	if err != nil {
		return err
	}
	codes.Status = tokensmith.DeviceCodeStatusAuthorized
	codes.SubjectID = subjectID
	codes.SessionID = sessionID
	if err := e.store.UpdateByUserCode(ctx, codes.UserCode, codes); err != nil {
		return fmt.Errorf("failed to approve device authorization: %w", err)
	}
	e.config.Logger.Info("Device authorization approved",
		"client_id", codes.ClientID,
		"user_code", codes.UserCode)
	return nil
}

// Deny marks the authorization denied
func (e *Engine) Deny(ctx context.Context, userCode string) error {
	codes, err := e.lookupLive(ctx, userCode)
	if err != nil {
		return err
	}
	codes.Status = tokensmith.DeviceCodeStatusDenied
	if err := e.store.UpdateByUserCode(ctx, codes.UserCode, codes); err != nil {
		return fmt.Errorf("failed to deny device authorization: %w", err)
	}
	e.config.Logger.Info("Device authorization denied",
		"client_id", codes.ClientID,
		"user_code", codes.UserCode)
	return nil
}

// Find returns the live pending authorization for a normalized user code, for
// consent screens to show the requesting client and scopes.
func (e *Engine) Find(ctx context.Context, userCode string) (*tokensmith.DeviceFlowCodes, error) {
	return e.lookupLive(ctx, userCode)
}

func (e *Engine) lookupLive(ctx context.Context, userCode string) (*tokensmith.DeviceFlowCodes, error) {
	normalized := NormalizeUserCode(userCode)
	if normalized == "" {
		return nil, tokensmith.ErrInvalidRequest("malformed user code")
	}

	codes, err := e.store.FindByUserCode(ctx, normalized)
	if errors.Is(err, storage.ErrDeviceCodeNotFound) {
		return nil, tokensmith.ErrInvalidGrant("unknown user code")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user code: %w", err)
	}
	if codes.Expired(e.config.Clock.Now().UTC()) {
		return nil, tokensmith.ErrExpiredToken("device code expired")
	}
	if codes.Status != tokensmith.DeviceCodeStatusPending {
		return nil, tokensmith.ErrInvalidGrant("device authorization already resolved")
	}
	return codes, nil
}

// allowPoll applies both throttle layers. The in-process limiter is checked
// first so a hot polling loop never reaches the store.
func (e *Engine) allowPoll(ctx context.Context, deviceCode string, now time.Time, interval int) bool {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if !e.limiterFor(deviceCode, interval).AllowN(now, 1) {
		return false
	}

	allowed, err := e.store.TouchPoll(ctx, deviceCode, now)
	if err != nil {
		// Fail open on store errors: the in-process limiter already bounds
		// the rate, and a throttle outage must not block authorization.
		e.config.Logger.Warn("Poll throttle check failed", "error", err)
		return true
	}
	return allowed
}

func (e *Engine) limiterFor(deviceCode string, interval int) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	limiter, ok := e.limiters[deviceCode]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Duration(interval)*time.Second), 1)
		e.limiters[deviceCode] = limiter
	}
	return limiter
}

func (e *Engine) evictLimiter(deviceCode string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.limiters, deviceCode)
}

// forget removes a dead record best-effort; the sweeper collects leftovers
func (e *Engine) forget(ctx context.Context, deviceCode string) {
	if err := e.store.RemoveByDeviceCode(ctx, deviceCode); err != nil {
		e.config.Logger.Warn("Failed to remove device code", "error", err)
	}
	e.evictLimiter(deviceCode)
}

func (e *Engine) completed(ctx context.Context, clientID, outcome string) {
	if e.config.Instrumentation != nil {
		e.config.Instrumentation.Metrics().RecordDeviceFlowCompleted(ctx, clientID, outcome)
	}
}

func verificationURIComplete(uri, userCode string) string {
	if uri == "" {
		return ""
	}
	return uri + "?user_code=" + userCode
}
