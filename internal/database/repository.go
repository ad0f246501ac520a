package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Repository provides database operations
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new repository instance
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// ScanRepository provides scan-specific database operations
type ScanRepository struct {
	*Repository
}

// AlertRepository provides alert-specific database operations
type AlertRepository struct {
	*Repository
}

// SubscriptionRepository provides subscription-specific database operations
type SubscriptionRepository struct {
	*Repository
}

// NewScanRepository creates a new scan repository
func NewScanRepository(db *sqlx.DB) *ScanRepository {
	return &ScanRepository{Repository: NewRepository(db)}
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *sqlx.DB) *AlertRepository {
	return &AlertRepository{Repository: NewRepository(db)}
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{Repository: NewRepository(db)}
}

const scanColumns = `id, user_id, target_url, kind, status, progress, config, context_name, context_id,
	scanner_scan_id, parent_scan_id, summary, error, started_at, end_time, created_at, updated_at`

const alertColumns = `id, scan_id, plugin_id, severity, confidence, url, name, description, solution,
	"references", evidence, created_at`

const subscriptionColumns = `user_id, tier, is_active, start_date, end_date, daily_scan_count,
	monthly_scan_count, last_updated, created_at, updated_at`

// Migrate applies the embedded schema files in name order
func Migrate(ctx context.Context, db *sqlx.DB) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		schema, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(schema)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		logrus.Infof("Applied migration %s", name)
	}

	return nil
}

// Scan Operations

// CreateScan creates a new scan
func (r *ScanRepository) CreateScan(ctx context.Context, scan *Scan) error {
	if scan.ID == uuid.Nil {
		scan.ID = uuid.New()
	}
	now := time.Now()
	if scan.StartedAt.IsZero() {
		scan.StartedAt = now
	}
	scan.CreatedAt = now
	scan.UpdatedAt = now

	query := `
		INSERT INTO scans (id, user_id, target_url, kind, status, progress, config, context_name, context_id,
			scanner_scan_id, parent_scan_id, summary, error, started_at, end_time, created_at, updated_at)
		VALUES (:id, :user_id, :target_url, :kind, :status, :progress, :config, :context_name, :context_id,
			:scanner_scan_id, :parent_scan_id, :summary, :error, :started_at, :end_time, :created_at, :updated_at)
	`

	_, err := r.db.NamedExecContext(ctx, query, scan)
	if err != nil {
		return fmt.Errorf("failed to create scan: %w", err)
	}

	return nil
}

// GetScan retrieves a scan by ID
func (r *ScanRepository) GetScan(ctx context.Context, id uuid.UUID) (*Scan, error) {
	var scan Scan
	query := `SELECT ` + scanColumns + ` FROM scans WHERE id = $1`

	err := r.db.GetContext(ctx, &scan, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}

	return &scan, nil
}

// UpdateScan persists status, progress, summary and terminal fields of a scan
func (r *ScanRepository) UpdateScan(ctx context.Context, scan *Scan) error {
	scan.UpdatedAt = time.Now()

	query := `
		UPDATE scans
		SET status = :status, progress = :progress, summary = :summary, error = :error,
		    end_time = :end_time, context_name = :context_name, context_id = :context_id,
		    scanner_scan_id = :scanner_scan_id, updated_at = :updated_at
		WHERE id = :id
	`

	result, err := r.db.NamedExecContext(ctx, query, scan)
	if err != nil {
		return fmt.Errorf("failed to update scan: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("scan not found")
	}

	return nil
}

// FailRunningScan marks a scan failed only while it is still running. It
// reports whether a row changed.
func (r *ScanRepository) FailRunningScan(ctx context.Context, id uuid.UUID, reason string, end time.Time) (bool, error) {
	query := `
		UPDATE scans
		SET status = 'failed', error = $2, end_time = $3, summary = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, query, id, reason, end)
	if err != nil {
		return false, fmt.Errorf("failed to fail scan: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdateScanProgress raises the progress of a running scan. Lower values are ignored.
func (r *ScanRepository) UpdateScanProgress(ctx context.Context, id uuid.UUID, progress int) error {
	query := `
		UPDATE scans
		SET progress = GREATEST(progress, $2), updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`

	if _, err := r.db.ExecContext(ctx, query, id, progress); err != nil {
		return fmt.Errorf("failed to update scan progress: %w", err)
	}

	return nil
}

// GetScanHistory returns a user's scans, newest first
func (r *ScanRepository) GetScanHistory(ctx context.Context, userID string, limit int) ([]*Scan, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var scans []*Scan
	query := `SELECT ` + scanColumns + ` FROM scans WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2`

	err := r.db.SelectContext(ctx, &scans, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan history: %w", err)
	}

	return scans, nil
}

// GetActiveScansCount counts a user's running scans
func (r *ScanRepository) GetActiveScansCount(ctx context.Context, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM scans WHERE user_id = $1 AND status = 'running'`

	err := r.db.GetContext(ctx, &count, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count active scans: %w", err)
	}

	return count, nil
}

// ListRunningScans returns every scan still marked running
func (r *ScanRepository) ListRunningScans(ctx context.Context) ([]*Scan, error) {
	var scans []*Scan
	query := `SELECT ` + scanColumns + ` FROM scans WHERE status = 'running' ORDER BY started_at`

	err := r.db.SelectContext(ctx, &scans, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list running scans: %w", err)
	}

	return scans, nil
}

// Alert Operations

// SaveScanResults stores the alerts of a scan in a single transaction
func (r *AlertRepository) SaveScanResults(ctx context.Context, scanID uuid.UUID, alerts []*Alert) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				logrus.Errorf("Failed to rollback transaction: %v", err)
			}
		}
	}()

	query := `
		INSERT INTO alerts (id, scan_id, plugin_id, severity, confidence, url, name, description, solution,
			"references", evidence, created_at)
		VALUES (:id, :scan_id, :plugin_id, :severity, :confidence, :url, :name, :description, :solution,
			:references, :evidence, :created_at)
	`

	for _, alert := range alerts {
		if alert.ID == uuid.Nil {
			alert.ID = uuid.New()
		}
		alert.ScanID = scanID
		alert.CreatedAt = time.Now()

		if _, err := tx.NamedExecContext(ctx, query, alert); err != nil {
			return fmt.Errorf("failed to save alert %s: %w", alert.PluginID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	committed = true
	return nil
}

// GetScanResults returns the stored alerts of a scan
func (r *AlertRepository) GetScanResults(ctx context.Context, scanID uuid.UUID) ([]*Alert, error) {
	var alerts []*Alert
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE scan_id = $1 ORDER BY created_at, id`

	err := r.db.SelectContext(ctx, &alerts, query, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan results: %w", err)
	}

	return alerts, nil
}

// Subscription Operations

// GetUserSubscription retrieves a user's subscription
func (r *SubscriptionRepository) GetUserSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`

	err := r.db.GetContext(ctx, &sub, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &sub, nil
}

// CreateSubscription creates a new subscription row
func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	query := `
		INSERT INTO subscriptions (user_id, tier, is_active, start_date, end_date, daily_scan_count,
			monthly_scan_count, last_updated, created_at, updated_at)
		VALUES (:user_id, :tier, :is_active, :start_date, :end_date, :daily_scan_count,
			:monthly_scan_count, :last_updated, :created_at, :updated_at)
	`

	_, err := r.db.NamedExecContext(ctx, query, sub)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// UpdateSubscription persists tier, state and counters of a subscription
func (r *SubscriptionRepository) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now()

	query := `
		UPDATE subscriptions
		SET tier = :tier, is_active = :is_active, end_date = :end_date, daily_scan_count = :daily_scan_count,
		    monthly_scan_count = :monthly_scan_count, last_updated = :last_updated, updated_at = :updated_at
		WHERE user_id = :user_id
	`

	result, err := r.db.NamedExecContext(ctx, query, sub)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("subscription not found")
	}

	return nil
}

// Storage is the full persistence surface used by the service
type Storage interface {
	Ping(ctx context.Context) error
	CreateScan(ctx context.Context, scan *Scan) error
	GetScan(ctx context.Context, id uuid.UUID) (*Scan, error)
	UpdateScan(ctx context.Context, scan *Scan) error
	FailRunningScan(ctx context.Context, id uuid.UUID, reason string, end time.Time) (bool, error)
	UpdateScanProgress(ctx context.Context, id uuid.UUID, progress int) error
	GetScanHistory(ctx context.Context, userID string, limit int) ([]*Scan, error)
	GetActiveScansCount(ctx context.Context, userID string) (int, error)
	ListRunningScans(ctx context.Context) ([]*Scan, error)
	SaveScanResults(ctx context.Context, scanID uuid.UUID, alerts []*Alert) error
	GetScanResults(ctx context.Context, scanID uuid.UUID) ([]*Alert, error)
	GetUserSubscription(ctx context.Context, userID string) (*Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
}

var (
	_ Storage = (*Store)(nil)
	_ Storage = (*MemoryStore)(nil)
)

// Store bundles the repositories behind one value
type Store struct {
	Scans         *ScanRepository
	Alerts        *AlertRepository
	Subscriptions *SubscriptionRepository
	db            *sqlx.DB
}

// NewStore creates a Postgres-backed store
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		Scans:         NewScanRepository(db),
		Alerts:        NewAlertRepository(db),
		Subscriptions: NewSubscriptionRepository(db),
		db:            db,
	}
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Stats reports connection pool usage
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

func (s *Store) CreateScan(ctx context.Context, scan *Scan) error {
	return s.Scans.CreateScan(ctx, scan)
}

func (s *Store) GetScan(ctx context.Context, id uuid.UUID) (*Scan, error) {
	return s.Scans.GetScan(ctx, id)
}

func (s *Store) UpdateScan(ctx context.Context, scan *Scan) error {
	return s.Scans.UpdateScan(ctx, scan)
}

func (s *Store) FailRunningScan(ctx context.Context, id uuid.UUID, reason string, end time.Time) (bool, error) {
	return s.Scans.FailRunningScan(ctx, id, reason, end)
}

func (s *Store) UpdateScanProgress(ctx context.Context, id uuid.UUID, progress int) error {
	return s.Scans.UpdateScanProgress(ctx, id, progress)
}

func (s *Store) GetScanHistory(ctx context.Context, userID string, limit int) ([]*Scan, error) {
	return s.Scans.GetScanHistory(ctx, userID, limit)
}

func (s *Store) GetActiveScansCount(ctx context.Context, userID string) (int, error) {
	return s.Scans.GetActiveScansCount(ctx, userID)
}

func (s *Store) ListRunningScans(ctx context.Context) ([]*Scan, error) {
	return s.Scans.ListRunningScans(ctx)
}

func (s *Store) SaveScanResults(ctx context.Context, scanID uuid.UUID, alerts []*Alert) error {
	return s.Alerts.SaveScanResults(ctx, scanID, alerts)
}

func (s *Store) GetScanResults(ctx context.Context, scanID uuid.UUID) ([]*Alert, error) {
	return s.Alerts.GetScanResults(ctx, scanID)
}

func (s *Store) GetUserSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return s.Subscriptions.GetUserSubscription(ctx, userID)
}

func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return s.Subscriptions.CreateSubscription(ctx, sub)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	return s.Subscriptions.UpdateSubscription(ctx, sub)
}
