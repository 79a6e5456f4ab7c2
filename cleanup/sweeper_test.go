package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/internal/testutil"
	"github.com/tokensmith/tokensmith/storage/memory"
)

func TestSweepRemovesOnlyExpired(t *testing.T) {
	store := memory.New()
	clock := testutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	expired := testutil.GenerateTestGrant(tokensmith.PersistedGrantTypeRefreshToken, clock.Now().Add(-2*time.Hour), time.Hour)
	live := testutil.GenerateTestGrant(tokensmith.PersistedGrantTypeRefreshToken, clock.Now(), time.Hour)
	for _, g := range []*tokensmith.PersistedGrant{expired, live} {
		if err := store.Store(ctx, g); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	sweeper, err := NewSweeper(store, store, Config{Clock: clock})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	if removed := sweeper.Sweep(ctx); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, err := store.Get(ctx, expired.Key); err == nil {
		t.Error("expired grant survived the sweep")
	}
	if _, err := store.Get(ctx, live.Key); err != nil {
		t.Errorf("live grant was removed: %v", err)
	}
}

func TestSweepBatches(t *testing.T) {
	store := memory.New()
	clock := testutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		g := testutil.GenerateTestGrant(tokensmith.PersistedGrantTypeReferenceToken, clock.Now().Add(-2*time.Hour), time.Hour)
		if err := store.Store(ctx, g); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	var batches int32
	sweeper, err := NewSweeper(store, nil, Config{
		Clock:     clock,
		BatchSize: 10,
		OnGrantsRemoved: func(ctx context.Context, removed []*tokensmith.PersistedGrant) error {
			atomic.AddInt32(&batches, 1)
			if len(removed) > 10 {
				t.Errorf("batch of %d exceeds batch size", len(removed))
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	if removed := sweeper.Sweep(ctx); removed != 25 {
		t.Fatalf("removed = %d, want 25", removed)
	}
	if got := atomic.LoadInt32(&batches); got != 3 {
		t.Errorf("hook invoked %d times, want 3", got)
	}
}

func TestSweepSurvivesHookFailure(t *testing.T) {
	store := memory.New()
	clock := testutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g := testutil.GenerateTestGrant(tokensmith.PersistedGrantTypeRefreshToken, clock.Now().Add(-2*time.Hour), time.Hour)
		if err := store.Store(ctx, g); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	t.Run("hook error", func(t *testing.T) {
		sweeper, err := NewSweeper(store, nil, Config{
			Clock: clock,
			OnGrantsRemoved: func(ctx context.Context, removed []*tokensmith.PersistedGrant) error {
				return errors.New("downstream unavailable")
			},
		})
		if err != nil {
			t.Fatalf("NewSweeper: %v", err)
		}
		if removed := sweeper.Sweep(ctx); removed != 3 {
			t.Fatalf("removed = %d, want 3", removed)
		}
	})

	t.Run("hook panic", func(t *testing.T) {
		g := testutil.GenerateTestGrant(tokensmith.PersistedGrantTypeRefreshToken, clock.Now().Add(-2*time.Hour), time.Hour)
		if err := store.Store(ctx, g); err != nil {
			t.Fatalf("Store: %v", err)
		}
		sweeper, err := NewSweeper(store, nil, Config{
			Clock: clock,
			OnGrantsRemoved: func(ctx context.Context, removed []*tokensmith.PersistedGrant) error {
				panic("hook bug")
			},
		})
		if err != nil {
			t.Fatalf("NewSweeper: %v", err)
		}
		if removed := sweeper.Sweep(ctx); removed != 1 {
			t.Fatalf("removed = %d, want 1", removed)
		}
	})
}

func TestSweepDeviceCodes(t *testing.T) {
	store := memory.New()
	clock := testutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	expired := &tokensmith.DeviceFlowCodes{
		DeviceCode:   "expired-device-code",
		UserCode:     "BCDF-GHJK",
		ClientID:     "cli-tool",
		CreationTime: clock.Now().Add(-time.Hour),
		Expiration:   clock.Now().Add(-30 * time.Minute),
		Status:       tokensmith.DeviceCodeStatusPending,
	}
	live := &tokensmith.DeviceFlowCodes{
		DeviceCode:   "live-device-code",
		UserCode:     "MNPQ-RSTV",
		ClientID:     "cli-tool",
		CreationTime: clock.Now(),
		Expiration:   clock.Now().Add(5 * time.Minute),
		Status:       tokensmith.DeviceCodeStatusPending,
	}
	for _, c := range []*tokensmith.DeviceFlowCodes{expired, live} {
		if err := store.StoreDeviceAuthorization(ctx, c); err != nil {
			t.Fatalf("StoreDeviceAuthorization: %v", err)
		}
	}

	sweeper, err := NewSweeper(store, store, Config{Clock: clock})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	if removed := sweeper.Sweep(ctx); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.FindByDeviceCode(ctx, "expired-device-code"); err == nil {
		t.Error("expired device code survived the sweep")
	}
	if _, err := store.FindByDeviceCode(ctx, "live-device-code"); err != nil {
		t.Errorf("live device code was removed: %v", err)
	}
}

func TestRunAndShutdown(t *testing.T) {
	store := memory.New()
	sweeper, err := NewSweeper(store, store, Config{Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	time.Sleep(30 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := sweeper.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
