package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the grant engine
type Metrics struct {
	// Token issuance
	TokensIssued    metric.Int64Counter
	TokensRefreshed metric.Int64Counter
	TokensRevoked   metric.Int64Counter

	// Grant lifecycle
	GrantsStored       metric.Int64Counter
	GrantsConsumed     metric.Int64Counter
	GrantReuseDetected metric.Int64Counter

	// Device flow
	DeviceFlowsStarted   metric.Int64Counter
	DeviceFlowsCompleted metric.Int64Counter
	DevicePollsThrottled metric.Int64Counter

	// Cleanup
	GrantsSwept   metric.Int64Counter
	SweepDuration metric.Float64Histogram

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageGrantsCount       metric.Int64ObservableGauge
	StorageDeviceCodesCount  metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	serverMeter := inst.Meter("server")
	deviceMeter := inst.Meter("deviceflow")
	cleanupMeter := inst.Meter("cleanup")
	storageMeter := inst.Meter("storage")

	var err error
	m.TokensIssued, err = serverMeter.Int64Counter(
		"oauth.tokens.issued",
		metric.WithDescription("Number of tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokensRefreshed, err = serverMeter.Int64Counter(
		"oauth.tokens.refreshed",
		metric.WithDescription("Number of refresh token redemptions"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.refreshed counter: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"oauth.tokens.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}

	m.GrantsStored, err = serverMeter.Int64Counter(
		"oauth.grants.stored",
		metric.WithDescription("Number of persisted grants stored"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.stored counter: %w", err)
	}

	m.GrantsConsumed, err = serverMeter.Int64Counter(
		"oauth.grants.consumed",
		metric.WithDescription("Number of single-use grants consumed"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.consumed counter: %w", err)
	}

	m.GrantReuseDetected, err = serverMeter.Int64Counter(
		"oauth.grants.reuse_detected",
		metric.WithDescription("Number of attempts to redeem an already consumed grant"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.reuse_detected counter: %w", err)
	}

	m.DeviceFlowsStarted, err = deviceMeter.Int64Counter(
		"oauth.device_flows.started",
		metric.WithDescription("Number of device authorizations started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device_flows.started counter: %w", err)
	}

	m.DeviceFlowsCompleted, err = deviceMeter.Int64Counter(
		"oauth.device_flows.completed",
		metric.WithDescription("Number of device authorizations resolved"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device_flows.completed counter: %w", err)
	}

	m.DevicePollsThrottled, err = deviceMeter.Int64Counter(
		"oauth.device_polls.throttled",
		metric.WithDescription("Number of device polls rejected for polling too fast"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device_polls.throttled counter: %w", err)
	}

	m.GrantsSwept, err = cleanupMeter.Int64Counter(
		"oauth.grants.swept",
		metric.WithDescription("Number of expired grants removed by the sweeper"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.swept counter: %w", err)
	}

	m.SweepDuration, err = cleanupMeter.Float64Histogram(
		"oauth.sweep.duration",
		metric.WithDescription("Cleanup sweep duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep.duration histogram: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"storage.grants.count",
		metric.WithDescription("Live persisted grant records"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	m.StorageDeviceCodesCount, err = storageMeter.Int64ObservableGauge(
		"storage.device_codes.count",
		metric.WithDescription("Live device authorization records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.device_codes.count gauge: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordTokenIssued records a token issuance
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, tokenType, representation string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_type", tokenType),
		attribute.String("representation", representation),
	))
}

// RecordTokenRefresh records a refresh token redemption
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenTypeHint string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_type_hint", tokenTypeHint),
	))
}

// RecordGrantStored records a persisted grant write
func (m *Metrics) RecordGrantStored(ctx context.Context, grantType string) {
	m.GrantsStored.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordGrantConsumed records a single-use grant consumption
func (m *Metrics) RecordGrantConsumed(ctx context.Context, grantType string) {
	m.GrantsConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordGrantReuseDetected records an attempt to redeem a consumed grant
func (m *Metrics) RecordGrantReuseDetected(ctx context.Context, grantType string) {
	m.GrantReuseDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordDeviceFlowStarted records a new device authorization
func (m *Metrics) RecordDeviceFlowStarted(ctx context.Context, clientID string) {
	m.DeviceFlowsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordDeviceFlowCompleted records a resolved device authorization
func (m *Metrics) RecordDeviceFlowCompleted(ctx context.Context, clientID, outcome string) {
	m.DeviceFlowsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("outcome", outcome),
	))
}

// RecordDevicePollThrottled records a poll rejected for violating the interval
func (m *Metrics) RecordDevicePollThrottled(ctx context.Context, clientID string) {
	m.DevicePollsThrottled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordSweep records one cleanup sweep
func (m *Metrics) RecordSweep(ctx context.Context, grantsRemoved int64, durationMs float64) {
	m.GrantsSwept.Add(ctx, grantsRemoved)
	m.SweepDuration.Record(ctx, durationMs)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
