package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulnscope/internal/tiers"
)

func setupMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	return sqlxDB, mock, func() {
		sqlxDB.Close()
	}
}

var scanColumnNames = []string{
	"id", "user_id", "target_url", "kind", "status", "progress", "config", "context_name", "context_id",
	"scanner_scan_id", "parent_scan_id", "summary", "error", "started_at", "end_time", "created_at", "updated_at",
}

func TestScanRepository_CreateScan(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScanRepository(db)
	ctx := context.Background()

	scan := &Scan{
		UserID:        "user-1",
		TargetURL:     "https://example.com",
		Kind:          KindCrawl,
		Status:        StatusRunning,
		Config:        ScanConfig{Depth: 2},
		ScannerScanID: "7",
	}

	mock.ExpectExec("INSERT INTO scans").
		WithArgs(sqlmock.AnyArg(), scan.UserID, scan.TargetURL, "crawl", "running", 0, sqlmock.AnyArg(),
			"", "", "7", sqlmock.AnyArg(), sqlmock.AnyArg(), "", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.CreateScan(ctx, scan)
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, scan.ID)
	assert.False(t, scan.StartedAt.IsZero())
	assert.False(t, scan.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepository_CreateScanError(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScanRepository(db)

	mock.ExpectExec("INSERT INTO scans").WillReturnError(errors.New("connection reset"))

	err := repo.CreateScan(context.Background(), &Scan{UserID: "user-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create scan")
}

func TestScanRepository_GetScan(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScanRepository(db)
	ctx := context.Background()

	id := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows(scanColumnNames).
		AddRow(id.String(), "user-1", "https://example.com", "vulnerability", "completed", 100,
			[]byte(`{"depth":2,"scope":"quick"}`), "ctx-example", "3", "11", nil,
			[]byte(`{"high":1,"medium":0,"low":1,"informational":0,"total":2}`), "", now, now, now, now)

	mock.ExpectQuery("SELECT (.+) FROM scans WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(rows)

	scan, err := repo.GetScan(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, scan)
	assert.Equal(t, id, scan.ID)
	assert.Equal(t, KindVulnerability, scan.Kind)
	assert.Equal(t, StatusCompleted, scan.Status)
	assert.Equal(t, 2, scan.Config.Depth)
	assert.Equal(t, "quick", scan.Config.Scope)
	require.NotNil(t, scan.Summary)
	assert.Equal(t, 2, scan.Summary.Total)
	assert.False(t, scan.ParentScanID.Valid)
	require.NotNil(t, scan.EndTime)
}

func TestScanRepository_GetScanNotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScanRepository(db)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM scans WHERE id = \\$1").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	scan, err := repo.GetScan(context.Background(), id)
	assert.NoError(t, err)
	assert.Nil(t, scan)
}

func TestScanRepository_UpdateScan(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScanRepository(db)
	ctx := context.Background()

	end := time.Now()
	scan := &Scan{
		ID:       uuid.New(),
		Status:   StatusFailed,
		Progress: 40,
		Error:    "scanner unavailable",
		EndTime:  &end,
	}

	mock.ExpectExec("UPDATE scans").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.UpdateScan(ctx, scan))
	assert.False(t, scan.UpdatedAt.IsZero())

	mock.ExpectExec("UPDATE scans").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateScan(ctx, scan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan not found")
}

func TestScanRepository_FailRunningScan(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScanRepository(db)
	ctx := context.Background()
	id := uuid.New()
	end := time.Now()

	mock.ExpectExec("(?s)UPDATE scans\\s+SET status = 'failed'.*WHERE id = \\$1 AND status = 'running'").
		WithArgs(id, "lost", end).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := repo.FailRunningScan(ctx, id, "lost", end)
	require.NoError(t, err)
	assert.True(t, changed)

	mock.ExpectExec("UPDATE scans").
		WithArgs(id, "lost", end).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err = repo.FailRunningScan(ctx, id, "lost", end)
	require.NoError(t, err)
	assert.False(t, changed, "finished scans are left untouched")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepository_UpdateScanProgress(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScanRepository(db)
	id := uuid.New()

	mock.ExpectExec("UPDATE scans\\s+SET progress = GREATEST").
		WithArgs(id, 55).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.UpdateScanProgress(context.Background(), id, 55))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepository_GetScanHistory(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScanRepository(db)
	now := time.Now()

	rows := sqlmock.NewRows(scanColumnNames).
		AddRow(uuid.New().String(), "user-1", "https://a.example", "crawl", "running", 10,
			[]byte(`{}`), "", "", "1", nil, nil, "", now, nil, now, now).
		AddRow(uuid.New().String(), "user-1", "https://b.example", "crawl", "completed", 100,
			[]byte(`{}`), "", "", "2", nil, nil, "", now.Add(-time.Hour), now, now, now)

	mock.ExpectQuery("SELECT (.+) FROM scans WHERE user_id = \\$1 ORDER BY started_at DESC LIMIT \\$2").
		WithArgs("user-1", DefaultHistoryLimit).
		WillReturnRows(rows)

	scans, err := repo.GetScanHistory(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Nil(t, scans[0].Summary)
	assert.Nil(t, scans[0].EndTime)
	assert.Equal(t, "https://b.example", scans[1].TargetURL)
}

func TestScanRepository_GetActiveScansCount(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewScanRepository(db)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM scans WHERE user_id = \\$1 AND status = 'running'").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.GetActiveScansCount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestAlertRepository_SaveScanResults(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewAlertRepository(db)
	scanID := uuid.New()

	alerts := []*Alert{
		{PluginID: "40012", Severity: SeverityHigh, Name: "Cross Site Scripting", References: []string{"https://owasp.org"}},
		{PluginID: "10020", Severity: SeverityLow, Name: "Missing Anti-clickjacking Header"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.SaveScanResults(context.Background(), scanID, alerts)
	require.NoError(t, err)
	for _, alert := range alerts {
		assert.Equal(t, scanID, alert.ScanID)
		assert.NotEqual(t, uuid.Nil, alert.ID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRepository_SaveScanResultsRollsBack(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewAlertRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := repo.SaveScanResults(context.Background(), uuid.New(), []*Alert{{PluginID: "1"}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRepository_GetScanResults(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewAlertRepository(db)
	scanID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "scan_id", "plugin_id", "severity", "confidence", "url", "name",
		"description", "solution", "references", "evidence", "created_at"}).
		AddRow(uuid.New().String(), scanID.String(), "40012", "High", "Medium", "https://example.com/q",
			"Cross Site Scripting", "desc", "fix it", []byte(`{https://owasp.org,https://cwe.mitre.org}`), "<script>", now)

	mock.ExpectQuery("SELECT (.+) FROM alerts WHERE scan_id = \\$1").
		WithArgs(scanID).
		WillReturnRows(rows)

	alerts, err := repo.GetScanResults(context.Background(), scanID)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Equal(t, []string{"https://owasp.org", "https://cwe.mitre.org"}, []string(alerts[0].References))
}

func TestSubscriptionRepository_GetUserSubscription(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewSubscriptionRepository(db)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"user_id", "tier", "is_active", "start_date", "end_date",
		"daily_scan_count", "monthly_scan_count", "last_updated", "created_at", "updated_at"}).
		AddRow("user-1", "professional", true, now, nil, 4, 20, now, now, now)

	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE user_id = \\$1").
		WithArgs("user-1").
		WillReturnRows(rows)

	sub, err := repo.GetUserSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, tiers.TierProfessional, sub.Tier)
	assert.Equal(t, 4, sub.DailyCount)
	assert.Equal(t, 20, sub.MonthlyCount)

	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE user_id = \\$1").
		WithArgs("user-2").
		WillReturnError(sql.ErrNoRows)

	sub, err = repo.GetUserSubscription(context.Background(), "user-2")
	assert.NoError(t, err)
	assert.Nil(t, sub)
}

func TestSubscriptionRepository_UpdateSubscription(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewSubscriptionRepository(db)
	sub := &Subscription{UserID: "user-1", Tier: tiers.TierBasic, IsActive: true, DailyCount: 1, MonthlyCount: 1}

	mock.ExpectExec("UPDATE subscriptions").WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, repo.UpdateSubscription(context.Background(), sub))

	mock.ExpectExec("UPDATE subscriptions").WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.UpdateSubscription(context.Background(), sub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription not found")
}

func TestSummarize(t *testing.T) {
	alerts := []*Alert{
		{Severity: "HIGH"},
		{Severity: "high"},
		{Severity: SeverityMedium},
		{Severity: "low"},
		{Severity: "Informational"},
		{Severity: "unknown"},
	}

	summary := Summarize(alerts)
	assert.Equal(t, ScanSummary{High: 2, Medium: 1, Low: 1, Informational: 1, Total: 6}, summary)
	assert.Equal(t, ScanSummary{}, Summarize(nil))
}
