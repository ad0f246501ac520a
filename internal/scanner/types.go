package scanner

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// JobKind selects which Scanner engine a status query targets
type JobKind string

const (
	JobCrawl      JobKind = "spider"
	JobActiveScan JobKind = "ascan"
)

// Authentication method names understood by the Scanner
const (
	AuthMethodForm = "formBasedAuthentication"
	AuthMethodJSON = "jsonBasedAuthentication"
	AuthMethodHTTP = "httpAuthentication"
)

// Credential placeholders substituted by the Scanner at login time
const (
	UsernamePlaceholder = "{%username%}"
	PasswordPlaceholder = "{%password%}"
)

// API is the remote Scanner surface used by the rest of the service
type API interface {
	// Contexts and authentication
	NewContext(ctx context.Context, name string) (string, error)
	RemoveContext(ctx context.Context, name string) error
	IncludeInContext(ctx context.Context, contextName, regex string) error
	SetAuthenticationMethod(ctx context.Context, contextID, method string, params url.Values) error
	SetLoggedInIndicator(ctx context.Context, contextID, regex string) error
	NewUser(ctx context.Context, contextID, name string) (string, error)
	SetAuthenticationCredentials(ctx context.Context, contextID, userID string, params url.Values) error
	SetUserEnabled(ctx context.Context, contextID, userID string, enabled bool) error
	UsersList(ctx context.Context, contextID string) ([]User, error)
	SetForcedUser(ctx context.Context, contextID, userID string) error
	SetForcedUserModeEnabled(ctx context.Context, enabled bool) error
	AddReplacerRule(ctx context.Context, rule ReplacerRule) error

	// Scanning
	StartCrawl(ctx context.Context, req CrawlRequest) (string, error)
	StartAJAXCrawl(ctx context.Context, req AJAXCrawlRequest) error
	ImportOpenAPI(ctx context.Context, specURL, contextID string) error
	ImportScanPolicy(ctx context.Context, path string) error
	StartActiveScan(ctx context.Context, req ActiveScanRequest) (string, error)
	Status(ctx context.Context, job JobKind, scanID string) (int, error)
	Alerts(ctx context.Context, baseURL string) ([]Alert, error)

	// Reporting and health
	GenerateReport(ctx context.Context, req ReportRequest) (string, error)
	ReportTemplates(ctx context.Context) ([]string, error)
	Version(ctx context.Context) (string, error)
}

// User is a Scanner-side user bound to a context
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ContextID string `json:"contextId"`
	Enabled   string `json:"enabled"`
}

// IsEnabled reports the Scanner's string flag as a bool
func (u User) IsEnabled() bool {
	return strings.EqualFold(u.Enabled, "true")
}

// ReplacerRule rewrites outgoing request headers
type ReplacerRule struct {
	Description string
	MatchString string // header name
	Replacement string // header value
}

// CrawlRequest starts a traditional crawl
type CrawlRequest struct {
	URL         string
	MaxDepth    int
	MaxChildren int
	ContextName string
	ContextID   string
	UserID      string // crawl as this user when set
}

// AJAXCrawlRequest starts a browser-driven crawl
type AJAXCrawlRequest struct {
	URL         string
	MaxDuration time.Duration
	ContextName string
}

// ActiveScanRequest starts vulnerability probing
type ActiveScanRequest struct {
	URL        string
	ContextID  string
	UserID     string // scan as this user when set
	PolicyName string
	Recurse    bool
}

// ReportRequest asks the Scanner to render a report to a file
type ReportRequest struct {
	Title         string
	Template      string
	Theme         string
	Sites         []string
	Sections      []string
	IncludedRisks []string
	Dir           string
	FileName      string
}

// Alert is a finding as reported by the Scanner
type Alert struct {
	ID          string `json:"id"`
	PluginID    string `json:"pluginId"`
	Name        string `json:"name"`
	AlertName   string `json:"alert"`
	Risk        string `json:"risk"`
	Confidence  string `json:"confidence"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
	Reference   string `json:"reference"`
	Evidence    string `json:"evidence"`
	Param       string `json:"param"`
	CWEID       string `json:"cweid"`
}

// Title returns the alert's display name
func (a Alert) Title() string {
	if a.Name != "" {
		return a.Name
	}
	return a.AlertName
}

// References splits the Scanner's newline-separated reference field
func (a Alert) References() []string {
	var refs []string
	for _, line := range strings.Split(a.Reference, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			refs = append(refs, line)
		}
	}
	return refs
}

// APIError is a non-200 answer from the Scanner
type APIError struct {
	Operation  string
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("scanner %s failed with status %d: %s (%s)", e.Operation, e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("scanner %s failed with status %d", e.Operation, e.StatusCode)
}
