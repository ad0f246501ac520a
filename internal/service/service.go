package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/authctx"
	"github.com/vulnscope/internal/broadcast"
	"github.com/vulnscope/internal/config"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/metrics"
	"github.com/vulnscope/internal/orchestrator"
	"github.com/vulnscope/internal/probe"
	"github.com/vulnscope/internal/report"
	"github.com/vulnscope/internal/scanner"
	"github.com/vulnscope/internal/subscription"
	"github.com/vulnscope/internal/tiers"
	"golang.org/x/sync/errgroup"
)

// Options replaces collaborators that would otherwise be built from config.
// Zero fields are built normally.
type Options struct {
	Store    database.Storage
	Scanner  scanner.API
	Prober   probe.Prober
	Registry prometheus.Registerer
}

// Service wires storage, the Scanner client and the orchestration components
type Service struct {
	Config       *config.Config
	Policy       *tiers.Policy
	Metrics      *metrics.Metrics
	Store        database.Storage
	Scanner      scanner.API
	Prober       probe.Prober
	Auth         *authctx.Manager
	Broadcaster  *broadcast.Broadcaster
	Ledger       *subscription.Ledger
	Orchestrator *orchestrator.Orchestrator
	Reports      *report.Generator

	db *sqlx.DB
}

// New builds the service from configuration
func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	policy, err := LoadPolicy(cfg.App.TiersFile)
	if err != nil {
		return nil, err
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := metrics.NewMetrics(reg)

	s := &Service{
		Config:  cfg,
		Policy:  policy,
		Metrics: m,
	}

	s.Store = opts.Store
	if s.Store == nil {
		store, db, err := openStorage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.Store = store
		s.db = db
	}

	s.Scanner = opts.Scanner
	if s.Scanner == nil {
		s.Scanner = scanner.NewClient(scanner.Config{
			BaseURL:         cfg.Scanner.URL,
			APIKey:          cfg.Scanner.APIKey,
			Timeout:         cfg.HTTP.Timeout,
			RetryCount:      cfg.HTTP.RetryAttempts,
			RetryWait:       cfg.HTTP.RetryDelay,
			RateLimit:       cfg.Scanner.RateLimit,
			BreakerFailures: cfg.Scanner.BreakerFailures,
			BreakerRecovery: cfg.Scanner.BreakerRecovery,
		}, m)
		logrus.Infof("Scanner client configured for %s", cfg.Scanner.URL)
	}

	s.Prober = opts.Prober
	if s.Prober == nil && cfg.Probe.Enabled {
		s.Prober = probe.NewClient(&probe.Config{
			Timeout:         cfg.Probe.Timeout,
			TotalTimeout:    3 * cfg.Probe.Timeout,
			Concurrency:     5,
			RateLimit:       20,
			FollowRedirects: true,
			MaxRedirects:    3,
		})
		logrus.Info("HTTPX probe client configured")
	} else if s.Prober == nil {
		logrus.Info("HTTPX probe disabled")
	}

	loginClient := resty.New().
		SetTimeout(cfg.HTTP.Timeout).
		SetRetryCount(cfg.HTTP.RetryAttempts).
		SetRetryWaitTime(cfg.HTTP.RetryDelay)

	s.Auth = authctx.NewManager(s.Scanner, s.Prober, loginClient)
	s.Broadcaster = broadcast.NewBroadcaster(broadcast.DefaultBuffer, m)
	s.Ledger = subscription.NewLedger(s.Store, policy)
	s.Orchestrator = orchestrator.New(orchestrator.Config{
		PollInterval:    cfg.Scan.PollInterval,
		MaxDuration:     cfg.Scan.MaxDuration,
		MaxPollFailures: cfg.Scan.MaxPollFailures,
		CallTimeout:     cfg.HTTP.Timeout,
		MaxChildren:     cfg.Scanner.MaxChildren,
		AJAXMaxDuration: cfg.Scanner.AJAXMaxDuration,
	}, orchestrator.Dependencies{
		Scanner:   s.Scanner,
		Store:     s.Store,
		Ledger:    s.Ledger,
		Auth:      s.Auth,
		Publisher: s.Broadcaster,
		Metrics:   m,
	})
	s.Reports = report.NewGenerator(s.Scanner, s.Store, report.Config{
		Dir:     cfg.Scanner.ReportDir,
		Timeout: 2 * cfg.HTTP.Timeout,
	}, m)

	return s, nil
}

// LoadPolicy returns the built-in tier table, overridden by the YAML file at path when set
func LoadPolicy(path string) (*tiers.Policy, error) {
	if path == "" {
		return tiers.NewPolicy(), nil
	}
	policy, err := tiers.LoadPolicy(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiers file: %w", err)
	}
	logrus.Infof("Loaded tier overrides from %s", path)
	return policy, nil
}

// openStorage connects the configured storage driver
func openStorage(ctx context.Context, cfg *config.Config) (database.Storage, *sqlx.DB, error) {
	if cfg.Database.Driver == config.StorageDriverMemory {
		logrus.Warn("Using in-memory storage, scan history is lost on restart")
		return database.NewMemoryStore(), nil, nil
	}

	db, err := ConnectToDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return database.NewStore(db), db, nil
}

// ConnectToDatabase connects to the PostgreSQL database
func ConnectToDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings from configuration
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	logrus.Info("Successfully connected to database")
	return db, nil
}

// Close stops scan polling and releases the database
func (s *Service) Close(ctx context.Context) error {
	var firstErr error
	if err := s.Orchestrator.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close database: %w", err)
		}
	}
	return firstErr
}

// Health is the outcome of the health checks, keyed by component
type Health struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

// Health runs the storage, Scanner and system checks in parallel
func (s *Service) Health(ctx context.Context) Health {
	checks := map[string]func(context.Context) error{
		"storage": s.CheckStorageHealth,
		"scanner": s.CheckScannerHealth,
		"system":  s.CheckSystemHealth,
	}

	result := Health{Healthy: true, Checks: make(map[string]string, len(checks))}
	var mu sync.Mutex

	var g errgroup.Group
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			err := check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Healthy = false
				result.Checks[name] = err.Error()
				return err
			}
			result.Checks[name] = "ok"
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.Warnf("Health check failed: %v", err)
	}

	return result
}

// CheckHealth returns the first failing check, if any
func (s *Service) CheckHealth(ctx context.Context) error {
	health := s.Health(ctx)
	if health.Healthy {
		return nil
	}
	for _, name := range []string{"storage", "scanner", "system"} {
		if msg := health.Checks[name]; msg != "ok" {
			return fmt.Errorf("%s health check failed: %s", name, msg)
		}
	}
	return nil
}

// CheckStorageHealth checks storage connectivity
func (s *Service) CheckStorageHealth(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	logrus.Debug("Storage health check passed")
	return nil
}

// CheckScannerHealth checks that the Scanner answers
func (s *Service) CheckScannerHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	version, err := s.Scanner.Version(ctx)
	if err != nil {
		return fmt.Errorf("scanner unreachable: %w", err)
	}
	logrus.Debugf("Scanner health check passed - version %s", version)
	return nil
}

// CheckSystemHealth checks system resources and limits
func (s *Service) CheckSystemHealth(ctx context.Context) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	logrus.Debugf("System memory - Alloc: %d MB, Sys: %d MB, NumGC: %d",
		m.Alloc/1024/1024, m.Sys/1024/1024, m.NumGC)

	// Check if memory usage is reasonable (less than 1GB allocated)
	if m.Alloc > 1024*1024*1024 {
		return fmt.Errorf("high memory usage: %d MB allocated", m.Alloc/1024/1024)
	}

	numGoroutines := runtime.NumGoroutine()
	if numGoroutines > 10000 {
		return fmt.Errorf("high goroutine count: %d", numGoroutines)
	}

	return nil
}

// ReconcileOrphans is the scheduled job that fails scans nobody is polling
func (s *Service) ReconcileOrphans(ctx context.Context) {
	marked, err := s.Orchestrator.ReconcileOrphans(ctx)
	if err != nil {
		logrus.Errorf("Scheduled reconciliation failed: %v", err)
		return
	}
	logrus.Debugf("Scheduled reconciliation marked %d scans", marked)
}
