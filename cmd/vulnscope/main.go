package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vulnscope/internal/api"
	"github.com/vulnscope/internal/config"
	"github.com/vulnscope/internal/service"
	"github.com/vulnscope/internal/utils"
)

const (
	shutdownTimeout  = 30 * time.Second
	reconcileTimeout = 5 * time.Minute
	metricsInterval  = 30 * time.Second
)

var (
	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "vulnscope",
	Short:         "VulnScope - Tiered web vulnerability scanning service",
	Long:          "VulnScope drives a ZAP-compatible scanner through crawl and vulnerability scans, enforces subscription quotas and streams scan progress.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Validate configuration
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		closer, err := utils.ConfigureLogging(utils.LogConfig{
			Level:      cfg.App.LogLevel,
			Format:     cfg.App.LogFormat,
			File:       cfg.App.LogFile,
			MaxSizeMB:  cfg.App.LogMaxSizeMB,
			MaxBackups: cfg.App.LogMaxBackups,
			MaxAgeDays: cfg.App.LogMaxAgeDays,
		})
		if err != nil {
			return err
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAsService(cmd.Context())
	},
}

func main() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API server and the scheduled jobs (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAsService(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "Check storage, scanner and system health",
			RunE: func(cmd *cobra.Command, args []string) error {
				return checkHealth(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "tiers",
			Short: "Print the effective tier table as YAML",
			RunE: func(cmd *cobra.Command, args []string) error {
				return showTiers()
			},
		},
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}

// runAsService serves the API until SIGINT or SIGTERM
func runAsService(ctx context.Context) error {
	logrus.Info("Starting VulnScope...")

	svc, err := service.New(ctx, cfg, service.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	go svc.Metrics.StartMetricsCollection(metricsCtx, metricsInterval)

	// Create cron scheduler
	c := cron.New(cron.WithSeconds())
	entryID, err := c.AddFunc(cfg.App.ReconcileSchedule, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()
		svc.ReconcileOrphans(jobCtx)
	})
	if err != nil {
		closeService(svc)
		return fmt.Errorf("failed to schedule reconciliation job: %w", err)
	}
	logrus.Infof("Scheduled reconciliation job with ID %d using schedule: %s", entryID, cfg.App.ReconcileSchedule)
	c.Start()

	server := api.NewServer(svc, cfg.Server)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen()
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logrus.Info("VulnScope is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case sig := <-sigChan:
		logrus.Infof("Received %s, shutting down VulnScope...", sig)
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("API server stopped: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Failed to stop API server: %v", err)
	}

	// Stop the cron scheduler and wait for a running job
	<-c.Stop().Done()

	if err := svc.Close(shutdownCtx); err != nil {
		logrus.Errorf("Failed to close service: %v", err)
	}

	logrus.Info("VulnScope stopped gracefully")
	return runErr
}

func closeService(svc *service.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		logrus.Errorf("Failed to close service: %v", err)
	}
}

// checkHealth performs health checks
func checkHealth(ctx context.Context) error {
	logrus.Info("Performing health checks...")

	svc, err := service.New(ctx, cfg, service.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	defer closeService(svc)

	checkCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	health := svc.Health(checkCtx)
	for name, status := range health.Checks {
		fmt.Printf("%-8s %s\n", name, status)
	}
	if !health.Healthy {
		return errors.New("health checks failed")
	}

	logrus.Info("All health checks passed")
	return nil
}

// showTiers prints the tier table after overrides
func showTiers() error {
	policy, err := service.LoadPolicy(cfg.App.TiersFile)
	if err != nil {
		return err
	}
	data, err := policy.YAML()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
