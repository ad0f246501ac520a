package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulnscope/internal/config"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/orchestrator"
	"github.com/vulnscope/internal/scanner"
	"github.com/vulnscope/internal/subscription"
	"github.com/vulnscope/internal/tiers"
)

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: config.StorageDriverMemory},
		Scanner: config.ScannerConfig{
			URL:             "http://localhost:8090",
			ReportDir:       os.TempDir(),
			MaxChildren:     10,
			AJAXMaxDuration: time.Minute,
			BreakerFailures: 5,
			BreakerRecovery: time.Second,
		},
		HTTP: config.HTTPConfig{
			Timeout:    time.Second,
			RetryDelay: 10 * time.Millisecond,
		},
		Scan: config.ScanConfig{
			PollInterval:    5 * time.Millisecond,
			MaxDuration:     time.Minute,
			MaxPollFailures: 3,
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *scanner.MockClient) {
	t.Helper()
	mock := scanner.NewMockClient()
	svc, err := New(context.Background(), cfg, Options{
		Scanner:  mock,
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, mock
}

func TestNew_MemoryStorage(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	_, ok := svc.Store.(*database.MemoryStore)
	assert.True(t, ok)
	assert.Nil(t, svc.Prober, "probe is disabled in the test config")
	assert.NotNil(t, svc.Orchestrator)
	assert.NotNil(t, svc.Reports)
	assert.NotNil(t, svc.Broadcaster)
	assert.Equal(t, tiers.NewPolicy().All(), svc.Policy.All())
}

func TestNew_TierOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("free:\n  max_scans_per_day: 9\n"), 0o600))

	cfg := testConfig()
	cfg.App.TiersFile = path
	svc, _ := newTestService(t, cfg)

	assert.Equal(t, 9, svc.Policy.LimitsFor(tiers.TierFree).MaxScansPerDay)
}

func TestNew_BadTiersFile(t *testing.T) {
	cfg := testConfig()
	cfg.App.TiersFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, Options{
		Scanner:  scanner.NewMockClient(),
		Registry: prometheus.NewRegistry(),
	})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	svc, mock := newTestService(t, testConfig())

	health := svc.Health(context.Background())
	assert.True(t, health.Healthy)
	assert.Equal(t, map[string]string{"storage": "ok", "scanner": "ok", "system": "ok"}, health.Checks)
	assert.NoError(t, svc.CheckHealth(context.Background()))

	mock.FailOn("version", errors.New("connection refused"))
	health = svc.Health(context.Background())
	assert.False(t, health.Healthy)
	assert.Equal(t, "ok", health.Checks["storage"])
	assert.Contains(t, health.Checks["scanner"], "connection refused")

	err := svc.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner health check failed")
}

func TestServiceRunsScanChain(t *testing.T) {
	svc, mock := newTestService(t, testConfig())
	ctx := context.Background()

	tier := tiers.TierProfessional
	_, err := svc.Ledger.UpsertSubscription(ctx, "user-1", subscription.Update{Tier: &tier})
	require.NoError(t, err)

	scan, err := svc.Orchestrator.StartCrawl(ctx, orchestrator.ScanRequest{
		UserID: "user-1",
		URL:    "https://example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, database.KindCrawl, scan.Kind)

	require.Eventually(t, func() bool {
		history, err := svc.Store.GetScanHistory(ctx, "user-1", 10)
		if err != nil || len(history) != 2 {
			return false
		}
		for _, s := range history {
			if s.Status != database.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, mock.Calls("start_crawl"))
	assert.Equal(t, 1, mock.Calls("start_active_scan"))
}

func TestReconcileOrphans(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	orphan := &database.Scan{
		UserID:    "user-1",
		TargetURL: "https://example.com",
		Kind:      database.KindCrawl,
		Status:    database.StatusRunning,
	}
	require.NoError(t, svc.Store.CreateScan(ctx, orphan))

	svc.ReconcileOrphans(ctx)

	got, err := svc.Store.GetScan(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusFailed, got.Status)
}
