// Package cleanup removes expired grants and device codes in the background.
// Expiry is enforced at validation time; the sweeper only reclaims storage.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/instrumentation"
	"github.com/tokensmith/tokensmith/security"
	"github.com/tokensmith/tokensmith/storage"
)

const (
	// DefaultInterval is the pause between sweeps
	DefaultInterval = 5 * time.Minute

	// DefaultBatchSize bounds deletes per store round trip so a large backlog
	// never starves live traffic
	DefaultBatchSize = 100
)

// Config holds sweeper configuration
type Config struct {
	// Interval is the pause between sweeps. Zero selects DefaultInterval.
	Interval time.Duration

	// BatchSize bounds deletes per store call. Zero selects DefaultBatchSize.
	BatchSize int

	// Clock overrides the wall clock, for tests
	Clock tokensmith.Clock

	// Logger receives sweep logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Auditor records sweep events when set
	Auditor *security.Auditor

	// Instrumentation records sweep metrics when set
	Instrumentation *instrumentation.Instrumentation

	// OnGrantsRemoved is invoked after each batch of removed grants, for
	// hosts that mirror revocation state elsewhere. It is best-effort: an
	// error or panic is logged and never aborts the sweep.
	OnGrantsRemoved func(ctx context.Context, removed []*tokensmith.PersistedGrant) error
}

// Sweeper periodically deletes expired grants and device authorizations
type Sweeper struct {
	grants  storage.PersistedGrantStore
	devices storage.DeviceFlowStore
	config  Config

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a sweeper. The device flow store is optional; when nil
// only persisted grants are swept.
func NewSweeper(grants storage.PersistedGrantStore, devices storage.DeviceFlowStore, config Config) (*Sweeper, error) {
	if grants == nil {
		return nil, errors.New("grant store is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Clock == nil {
		config.Clock = tokensmith.SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Sweeper{
		grants:  grants,
		devices: devices,
		config:  config,
		stop:    make(chan struct{}),
	}, nil
}

// Run sweeps on the configured interval until the context is cancelled or
// Shutdown is called. It blocks; callers run it in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.config.Logger.Info("Cleanup sweeper started",
		"interval", s.config.Interval,
		"batch_size", s.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Shutdown stops the loop and waits for an in-flight sweep to finish, or for
// the context to expire.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass over both stores and returns the number of records
// removed. Only records already expired at sweep start are touched, so the
// sweep is safe against concurrent issuance and redemption.
func (s *Sweeper) Sweep(ctx context.Context) int {
	started := time.Now()
	now := s.config.Clock.Now().UTC()

	removed := s.sweepGrants(ctx, now)
	removed += s.sweepDeviceCodes(ctx, now)

	if removed > 0 {
		s.config.Logger.Info("Removed expired grants",
			"count", removed,
			"duration", time.Since(started))
		s.config.Auditor.LogEvent(security.Event{
			Type:    security.EventGrantsSwept,
			Details: map[string]any{"count": removed},
		})
	}
	if s.config.Instrumentation != nil {
		s.config.Instrumentation.Metrics().RecordSweep(ctx, int64(removed), float64(time.Since(started).Milliseconds()))
	}
	return removed
}

func (s *Sweeper) sweepGrants(ctx context.Context, now time.Time) int {
	total := 0
	for {
		if ctx.Err() != nil {
			return total
		}
		removed, err := s.grants.RemoveAllExpired(ctx, now, s.config.BatchSize)
		if err != nil {
			s.config.Logger.Error("Failed to sweep expired grants", "error", err)
			return total
		}
		total += len(removed)
		if len(removed) > 0 {
			s.notify(ctx, removed)
		}
		if len(removed) < s.config.BatchSize {
			return total
		}
	}
}

func (s *Sweeper) sweepDeviceCodes(ctx context.Context, now time.Time) int {
	if s.devices == nil {
		return 0
	}
	total := 0
	for {
		if ctx.Err() != nil {
			return total
		}
		removed, err := s.devices.RemoveExpired(ctx, now, s.config.BatchSize)
		if err != nil {
			s.config.Logger.Error("Failed to sweep expired device codes", "error", err)
			return total
		}
		total += len(removed)
		if len(removed) < s.config.BatchSize {
			return total
		}
	}
}

// notify delivers removed grants to the host hook. The hook must never take
// the sweep down with it.
func (s *Sweeper) notify(ctx context.Context, removed []*tokensmith.PersistedGrant) {
	if s.config.OnGrantsRemoved == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.config.Logger.Error("Grant removal hook panicked", "panic", r)
		}
	}()
	if err := s.config.OnGrantsRemoved(ctx, removed); err != nil {
		s.config.Logger.Error("Grant removal hook failed", "error", err)
	}
}
