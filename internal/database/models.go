package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/vulnscope/internal/tiers"
)

// ScanKind distinguishes crawl (discovery) jobs from vulnerability (active) jobs
type ScanKind string

const (
	KindCrawl         ScanKind = "crawl"
	KindVulnerability ScanKind = "vulnerability"
)

// ScanStatus is the persisted lifecycle state of a scan
type ScanStatus string

const (
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

// Terminal reports whether no further transitions are possible
func (s ScanStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Severity is the risk classification of an alert
type Severity string

const (
	SeverityHigh          Severity = "High"
	SeverityMedium        Severity = "Medium"
	SeverityLow           Severity = "Low"
	SeverityInformational Severity = "Informational"
)

// ParseSeverity matches a risk label case-insensitively
func ParseSeverity(risk string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(risk)) {
	case "high":
		return SeverityHigh, true
	case "medium":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	case "informational":
		return SeverityInformational, true
	}
	return Severity(risk), false
}

// ScanConfig holds user-requested scan options
type ScanConfig struct {
	Depth           int               `json:"depth,omitempty"`
	Scope           string            `json:"scope,omitempty"`
	ExcludedURLs    pq.StringArray    `json:"excludedUrls,omitempty"`
	PolicyOverrides map[string]string `json:"policyOverrides,omitempty"`
	PolicyName      string            `json:"policyName,omitempty"`
	AJAX            bool              `json:"ajax,omitempty"`
	APIImportURL    string            `json:"apiImportUrl,omitempty"`
}

// Value implements driver.Valuer for the jsonb column
func (c ScanConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner for the jsonb column
func (c *ScanConfig) Scan(src interface{}) error {
	return scanJSON(src, c)
}

// ScanSummary holds severity counts of a finished scan
type ScanSummary struct {
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	Informational int `json:"informational"`
	Total         int `json:"total"`
}

// Value implements driver.Valuer for the jsonb column
func (s ScanSummary) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for the jsonb column
func (s *ScanSummary) Scan(src interface{}) error {
	return scanJSON(src, s)
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}

// Summarize counts alerts per severity. Total counts every alert.
func Summarize(alerts []*Alert) ScanSummary {
	summary := ScanSummary{Total: len(alerts)}
	for _, alert := range alerts {
		severity, ok := ParseSeverity(string(alert.Severity))
		if !ok {
			continue
		}
		switch severity {
		case SeverityHigh:
			summary.High++
		case SeverityMedium:
			summary.Medium++
		case SeverityLow:
			summary.Low++
		case SeverityInformational:
			summary.Informational++
		}
	}
	return summary
}

// Scan represents one crawl or vulnerability job against a target
type Scan struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	UserID        string        `db:"user_id" json:"userId"`
	TargetURL     string        `db:"target_url" json:"targetUrl"`
	Kind          ScanKind      `db:"kind" json:"type"`
	Status        ScanStatus    `db:"status" json:"status"`
	Progress      int           `db:"progress" json:"progress"`
	Config        ScanConfig    `db:"config" json:"config"`
	ContextName   string        `db:"context_name" json:"contextName,omitempty"`
	ContextID     string        `db:"context_id" json:"contextId,omitempty"`
	ScannerScanID string        `db:"scanner_scan_id" json:"scannerScanId"`
	ParentScanID  uuid.NullUUID `db:"parent_scan_id" json:"parentScanId"`
	Summary       *ScanSummary  `db:"summary" json:"summary,omitempty"`
	Error         string        `db:"error" json:"error,omitempty"`
	StartedAt     time.Time     `db:"started_at" json:"startTime"`
	EndTime       *time.Time    `db:"end_time" json:"endTime,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updatedAt"`
}

// Alert is one normalized finding reported by the scanner
type Alert struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	ScanID      uuid.UUID      `db:"scan_id" json:"scanId"`
	PluginID    string         `db:"plugin_id" json:"pluginId"`
	Severity    Severity       `db:"severity" json:"severity"`
	Confidence  string         `db:"confidence" json:"confidence"`
	URL         string         `db:"url" json:"url"`
	Name        string         `db:"name" json:"name"`
	Description string         `db:"description" json:"description"`
	Solution    string         `db:"solution" json:"solution"`
	References  pq.StringArray `db:"references" json:"references"`
	Evidence    string         `db:"evidence" json:"evidence"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
}

// Subscription is a user's tier and usage counters
type Subscription struct {
	UserID       string     `db:"user_id" json:"userId"`
	Tier         tiers.Tier `db:"tier" json:"tier"`
	IsActive     bool       `db:"is_active" json:"isActive"`
	StartDate    time.Time  `db:"start_date" json:"startDate"`
	EndDate      *time.Time `db:"end_date" json:"endDate,omitempty"`
	DailyCount   int        `db:"daily_scan_count" json:"dailyScanCount"`
	MonthlyCount int        `db:"monthly_scan_count" json:"monthlyScanCount"`
	LastUpdated  time.Time  `db:"last_updated" json:"lastUpdated"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// Table names
const (
	TableScans         = "scans"
	TableAlerts        = "alerts"
	TableSubscriptions = "subscriptions"
)

// DefaultHistoryLimit bounds scan history listings when the caller gives none
const DefaultHistoryLimit = 20
