package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/tiers"
)

func newTestLedger(t *testing.T, now time.Time) (*Ledger, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	ledger := NewLedger(store, tiers.NewPolicy())
	ledger.SetClock(func() time.Time { return now })
	return ledger, store
}

func seedSubscription(t *testing.T, store *database.MemoryStore, sub *database.Subscription) {
	t.Helper()
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
}

func TestLedger_CanStartScanFailsClosed(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Now())

	decision, err := ledger.CanStartScan(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.NotEmpty(t, decision.Reason)
}

func TestLedger_CanStartScanOrder(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		sub        database.Subscription
		running    int
		allowed    bool
		reasonPart string
	}{
		{
			name:    "fresh free user",
			sub:     database.Subscription{Tier: tiers.TierFree, IsActive: true, LastUpdated: now},
			allowed: true,
		},
		{
			name:       "inactive wins over everything",
			sub:        database.Subscription{Tier: tiers.TierFree, IsActive: false, DailyCount: 9, LastUpdated: now},
			running:    3,
			reasonPart: "not active",
		},
		{
			name:       "concurrency before daily",
			sub:        database.Subscription{Tier: tiers.TierFree, IsActive: true, DailyCount: 2, MonthlyCount: 10, LastUpdated: now},
			running:    1,
			reasonPart: "concurrent",
		},
		{
			name:       "daily before monthly",
			sub:        database.Subscription{Tier: tiers.TierFree, IsActive: true, DailyCount: 2, MonthlyCount: 10, LastUpdated: now},
			reasonPart: "Daily",
		},
		{
			name:       "monthly",
			sub:        database.Subscription{Tier: tiers.TierFree, IsActive: true, DailyCount: 0, MonthlyCount: 10, LastUpdated: now},
			reasonPart: "Monthly",
		},
		{
			name:    "daily counter from yesterday is ignored",
			sub:     database.Subscription{Tier: tiers.TierFree, IsActive: true, DailyCount: 2, MonthlyCount: 3, LastUpdated: now.AddDate(0, 0, -1)},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, store := newTestLedger(t, now)
			ctx := context.Background()

			sub := tt.sub
			sub.UserID = "user-1"
			seedSubscription(t, store, &sub)
			for i := 0; i < tt.running; i++ {
				require.NoError(t, store.CreateScan(ctx, &database.Scan{UserID: "user-1", Status: database.StatusRunning}))
			}

			decision, err := ledger.CanStartScan(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed)
			if tt.reasonPart != "" {
				assert.Contains(t, decision.Reason, tt.reasonPart)
			}
		})
	}
}

func TestLedger_DailyLimitReachedAfterStart(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ledger, store := newTestLedger(t, now)
	ctx := context.Background()

	seedSubscription(t, store, &database.Subscription{
		UserID: "user-1", Tier: tiers.TierFree, IsActive: true, DailyCount: 1, MonthlyCount: 1, LastUpdated: now,
	})

	decision, err := ledger.CanStartScan(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	require.NoError(t, ledger.RecordScanStart(ctx, "user-1"))

	sub, err := ledger.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sub.DailyCount)

	decision, err = ledger.CanStartScan(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "Daily scan limit")
}

func TestLedger_RecordScanStartRollover(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("new day keeps monthly", func(t *testing.T) {
		ledger, store := newTestLedger(t, now)
		seedSubscription(t, store, &database.Subscription{
			UserID:       "user-1",
			Tier:         tiers.TierBasic,
			IsActive:     true,
			DailyCount:   7,
			MonthlyCount: 20,
			LastUpdated:  now.AddDate(0, 0, -1),
		})

		require.NoError(t, ledger.RecordScanStart(ctx, "user-1"))

		sub, err := store.GetUserSubscription(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 1, sub.DailyCount)
		assert.Equal(t, 21, sub.MonthlyCount)
		assert.True(t, sub.LastUpdated.Equal(now))
	})

	t.Run("new month resets both", func(t *testing.T) {
		ledger, store := newTestLedger(t, now)
		seedSubscription(t, store, &database.Subscription{
			UserID:       "user-1",
			Tier:         tiers.TierBasic,
			IsActive:     true,
			DailyCount:   7,
			MonthlyCount: 99,
			LastUpdated:  time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		})

		require.NoError(t, ledger.RecordScanStart(ctx, "user-1"))

		sub, err := store.GetUserSubscription(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 1, sub.DailyCount)
		assert.Equal(t, 1, sub.MonthlyCount)
	})

	t.Run("same day in a different year resets", func(t *testing.T) {
		ledger, store := newTestLedger(t, now)
		seedSubscription(t, store, &database.Subscription{
			UserID:       "user-1",
			Tier:         tiers.TierBasic,
			IsActive:     true,
			DailyCount:   4,
			MonthlyCount: 4,
			LastUpdated:  now.AddDate(-1, 0, 0),
		})

		require.NoError(t, ledger.RecordScanStart(ctx, "user-1"))

		sub, err := store.GetUserSubscription(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 1, sub.DailyCount)
		assert.Equal(t, 1, sub.MonthlyCount)
	})
}

func TestLedger_UpsertSubscription(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Now())
	ctx := context.Background()

	sub, err := ledger.UpsertSubscription(ctx, "user-1", Update{})
	require.NoError(t, err)
	assert.Equal(t, tiers.TierFree, sub.Tier)
	assert.True(t, sub.IsActive)

	pro := tiers.TierProfessional
	sub, err = ledger.UpsertSubscription(ctx, "user-1", Update{Tier: &pro})
	require.NoError(t, err)
	assert.Equal(t, tiers.TierProfessional, sub.Tier)

	limits, err := ledger.LimitsFor(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, limits.AdvancedScanOptions)

	bogus := tiers.Tier("platinum")
	_, err = ledger.UpsertSubscription(ctx, "user-1", Update{Tier: &bogus})
	assert.Error(t, err)
}

func TestLedger_AdmitRecordsOnlyOnSuccess(t *testing.T) {
	now := time.Now()
	ledger, store := newTestLedger(t, now)
	ctx := context.Background()

	seedSubscription(t, store, &database.Subscription{UserID: "user-1", Tier: tiers.TierBasic, IsActive: true, LastUpdated: now})

	decision, err := ledger.Admit(ctx, "user-1", func(limits tiers.Limits) error {
		assert.Equal(t, 5, limits.ScanDepth)
		return errors.New("scanner unavailable")
	})
	require.Error(t, err)
	assert.True(t, decision.Allowed)

	sub, err := store.GetUserSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, sub.DailyCount)

	_, err = ledger.Admit(ctx, "user-1", func(tiers.Limits) error { return nil })
	require.NoError(t, err)

	sub, err = store.GetUserSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.DailyCount)
	assert.Equal(t, 1, sub.MonthlyCount)
}

func TestLedger_AdmitSerializesConcurrentStarts(t *testing.T) {
	now := time.Now()
	ledger, store := newTestLedger(t, now)
	ctx := context.Background()

	// One daily slot left on the free tier.
	seedSubscription(t, store, &database.Subscription{
		UserID: "user-1", Tier: tiers.TierFree, IsActive: true, DailyCount: 1, MonthlyCount: 1, LastUpdated: now,
	})

	var started int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Admit(ctx, "user-1", func(tiers.Limits) error {
				atomic.AddInt32(&started, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&started))

	sub, err := store.GetUserSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sub.DailyCount)
}

func TestValidateConfig(t *testing.T) {
	policy := tiers.NewPolicy()
	free := policy.LimitsFor(tiers.TierFree)
	pro := policy.LimitsFor(tiers.TierProfessional)

	tests := []struct {
		name   string
		limits tiers.Limits
		cfg    database.ScanConfig
		valid  bool
	}{
		{name: "defaults", limits: free, cfg: database.ScanConfig{}, valid: true},
		{name: "depth at limit", limits: free, cfg: database.ScanConfig{Depth: 2}, valid: true},
		{name: "depth over limit", limits: free, cfg: database.ScanConfig{Depth: 5}, valid: false},
		{name: "negative depth", limits: free, cfg: database.ScanConfig{Depth: -1}, valid: false},
		{name: "full without advanced", limits: free, cfg: database.ScanConfig{Scope: "full"}, valid: false},
		{name: "full with advanced", limits: pro, cfg: database.ScanConfig{Scope: "full", Depth: 10}, valid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateConfig(tt.limits, tt.cfg)
			assert.Equal(t, tt.valid, result.Valid)
			if !tt.valid {
				assert.NotEmpty(t, result.Reason)
			}
		})
	}
}
