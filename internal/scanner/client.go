package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/metrics"
	"github.com/vulnscope/internal/utils"
)

const alertsPageSize = 5000

// Config holds Scanner client configuration
type Config struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	RetryCount      int
	RetryWait       time.Duration
	RateLimit       int // requests per second, 0 for unlimited
	BreakerFailures int
	BreakerRecovery time.Duration
	UserAgent       string
}

// Client talks to the Scanner's JSON API
type Client struct {
	client  *resty.Client
	limiter *utils.RateLimiter
	breaker *utils.CircuitBreaker
	metrics *metrics.Metrics

	// Crawl options are Scanner-wide; each guards setting them together with the start.
	crawlMu sync.Mutex
	ajaxMu  sync.Mutex
}

// NewClient creates a new Scanner client. m may be nil.
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(cfg.RetryCount)
	client.SetRetryWaitTime(cfg.RetryWait)
	client.SetHeaders(map[string]string{
		"Accept":     "application/json",
		"User-Agent": userAgent(cfg.UserAgent),
	})
	if cfg.APIKey != "" {
		client.SetHeader("X-ZAP-API-Key", cfg.APIKey)
	}

	c := &Client{
		client:  client,
		limiter: utils.NewRateLimiter(cfg.RateLimit, time.Second),
		metrics: m,
	}

	c.breaker = utils.NewCircuitBreaker(utils.CircuitBreakerConfig{
		Name:             "scanner",
		FailureThreshold: cfg.BreakerFailures,
		RecoveryTimeout:  cfg.BreakerRecovery,
		SuccessThreshold: 1,
		MaxProbes:        1,
		OnStateChange: func(name, from, to string) {
			logrus.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
			if m != nil {
				m.UpdateCircuitBreakerState(name, to)
			}
		},
	})

	return c
}

func userAgent(ua string) string {
	if ua == "" {
		return "vulnscope/1.0"
	}
	return ua
}

// call performs one GET against the Scanner API and decodes the JSON body into out
func (c *Client) call(ctx context.Context, operation, path string, params map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("scanner %s: rate limiter: %w", operation, err)
	}

	start := time.Now()
	statusCode := 0

	err := c.breaker.Execute(ctx, func() error {
		resp, err := c.client.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(path)
		if err != nil {
			return fmt.Errorf("failed to call scanner %s: %w", operation, err)
		}

		statusCode = resp.StatusCode()
		if statusCode != http.StatusOK {
			apiErr := &APIError{Operation: operation, StatusCode: statusCode}
			_ = json.Unmarshal(resp.Body(), apiErr)
			return apiErr
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("failed to parse scanner %s response: %w", operation, err)
			}
		}

		return nil
	})

	duration := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordScannerRequest(operation, statusCode, duration, err)
	}
	utils.LogScannerCall(ctx, operation, statusCode, duration, err)

	return err
}

type resultResponse struct {
	Result string `json:"Result"`
}

func (c *Client) action(ctx context.Context, operation, path string, params map[string]string) error {
	var resp resultResponse
	if err := c.call(ctx, operation, path, params, &resp); err != nil {
		return err
	}
	if resp.Result != "" && !strings.EqualFold(resp.Result, "OK") {
		return fmt.Errorf("scanner %s returned %q", operation, resp.Result)
	}
	return nil
}

// NewContext creates a context and returns its id
func (c *Client) NewContext(ctx context.Context, name string) (string, error) {
	var resp struct {
		ContextID string `json:"contextId"`
	}
	err := c.call(ctx, "new_context", "/JSON/context/action/newContext/", map[string]string{
		"contextName": name,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ContextID == "" {
		return "", fmt.Errorf("scanner returned no context id for %s", name)
	}
	return resp.ContextID, nil
}

// RemoveContext deletes a context by name
func (c *Client) RemoveContext(ctx context.Context, name string) error {
	return c.action(ctx, "remove_context", "/JSON/context/action/removeContext/", map[string]string{
		"contextName": name,
	})
}

// IncludeInContext adds a URL regex to a context's scope
func (c *Client) IncludeInContext(ctx context.Context, contextName, regex string) error {
	return c.action(ctx, "include_in_context", "/JSON/context/action/includeInContext/", map[string]string{
		"contextName": contextName,
		"regex":       regex,
	})
}

// SetAuthenticationMethod configures how the context logs in
func (c *Client) SetAuthenticationMethod(ctx context.Context, contextID, method string, params url.Values) error {
	return c.action(ctx, "set_authentication_method", "/JSON/authentication/action/setAuthenticationMethod/", map[string]string{
		"contextId":              contextID,
		"authMethodName":         method,
		"authMethodConfigParams": params.Encode(),
	})
}

// SetLoggedInIndicator sets the regex identifying authenticated responses
func (c *Client) SetLoggedInIndicator(ctx context.Context, contextID, regex string) error {
	return c.action(ctx, "set_logged_in_indicator", "/JSON/authentication/action/setLoggedInIndicator/", map[string]string{
		"contextId":              contextID,
		"loggedInIndicatorRegex": regex,
	})
}

// NewUser creates a user in a context and returns its id
func (c *Client) NewUser(ctx context.Context, contextID, name string) (string, error) {
	var resp struct {
		UserID string `json:"userId"`
	}
	err := c.call(ctx, "new_user", "/JSON/users/action/newUser/", map[string]string{
		"contextId": contextID,
		"name":      name,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.UserID == "" {
		return "", fmt.Errorf("scanner returned no user id in context %s", contextID)
	}
	return resp.UserID, nil
}

// SetAuthenticationCredentials sets a user's login credentials
func (c *Client) SetAuthenticationCredentials(ctx context.Context, contextID, userID string, params url.Values) error {
	return c.action(ctx, "set_credentials", "/JSON/users/action/setAuthenticationCredentials/", map[string]string{
		"contextId":                   contextID,
		"userId":                      userID,
		"authCredentialsConfigParams": params.Encode(),
	})
}

// SetUserEnabled enables or disables a user
func (c *Client) SetUserEnabled(ctx context.Context, contextID, userID string, enabled bool) error {
	return c.action(ctx, "set_user_enabled", "/JSON/users/action/setUserEnabled/", map[string]string{
		"contextId": contextID,
		"userId":    userID,
		"enabled":   strconv.FormatBool(enabled),
	})
}

// UsersList lists the users of a context
func (c *Client) UsersList(ctx context.Context, contextID string) ([]User, error) {
	var resp struct {
		UsersList []User `json:"usersList"`
	}
	err := c.call(ctx, "users_list", "/JSON/users/view/usersList/", map[string]string{
		"contextId": contextID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.UsersList, nil
}

// SetForcedUser binds all traffic of a context to one user
func (c *Client) SetForcedUser(ctx context.Context, contextID, userID string) error {
	return c.action(ctx, "set_forced_user", "/JSON/forcedUser/action/setForcedUser/", map[string]string{
		"contextId": contextID,
		"userId":    userID,
	})
}

// SetForcedUserModeEnabled toggles forced user mode
func (c *Client) SetForcedUserModeEnabled(ctx context.Context, enabled bool) error {
	return c.action(ctx, "set_forced_user_mode", "/JSON/forcedUser/action/setForcedUserModeEnabled/", map[string]string{
		"boolean": strconv.FormatBool(enabled),
	})
}

// AddReplacerRule injects a request header into outgoing traffic
func (c *Client) AddReplacerRule(ctx context.Context, rule ReplacerRule) error {
	return c.action(ctx, "add_replacer_rule", "/JSON/replacer/action/addRule/", map[string]string{
		"description": rule.Description,
		"enabled":     "true",
		"matchType":   "REQ_HEADER",
		"matchRegex":  "false",
		"matchString": rule.MatchString,
		"replacement": rule.Replacement,
	})
}

type scanIDResponse struct {
	Scan string `json:"scan"`
}

// StartCrawl sets the crawl depth and starts a crawl, as a user when req.UserID is set
func (c *Client) StartCrawl(ctx context.Context, req CrawlRequest) (string, error) {
	c.crawlMu.Lock()
	defer c.crawlMu.Unlock()

	if req.MaxDepth > 0 {
		err := c.action(ctx, "set_crawl_depth", "/JSON/spider/action/setOptionMaxDepth/", map[string]string{
			"Integer": strconv.Itoa(req.MaxDepth),
		})
		if err != nil {
			return "", err
		}
	}

	params := map[string]string{
		"url":         req.URL,
		"maxChildren": strconv.Itoa(req.MaxChildren),
		"recurse":     "true",
		"subtreeOnly": "false",
	}

	path := "/JSON/spider/action/scan/"
	operation := "start_crawl"
	if req.UserID != "" {
		path = "/JSON/spider/action/scanAsUser/"
		operation = "start_crawl_as_user"
		params["contextId"] = req.ContextID
		params["userId"] = req.UserID
	} else if req.ContextName != "" {
		params["contextName"] = req.ContextName
	}

	var resp scanIDResponse
	if err := c.call(ctx, operation, path, params, &resp); err != nil {
		return "", err
	}
	if resp.Scan == "" {
		return "", fmt.Errorf("scanner returned no crawl id for %s", req.URL)
	}
	return resp.Scan, nil
}

// StartAJAXCrawl starts a browser-driven crawl bounded by req.MaxDuration
func (c *Client) StartAJAXCrawl(ctx context.Context, req AJAXCrawlRequest) error {
	c.ajaxMu.Lock()
	defer c.ajaxMu.Unlock()

	if req.MaxDuration > 0 {
		minutes := int(req.MaxDuration.Minutes())
		if minutes < 1 {
			minutes = 1
		}
		err := c.action(ctx, "set_ajax_duration", "/JSON/ajaxSpider/action/setOptionMaxDuration/", map[string]string{
			"Integer": strconv.Itoa(minutes),
		})
		if err != nil {
			return err
		}
	}

	params := map[string]string{
		"url":     req.URL,
		"inScope": "true",
	}
	if req.ContextName != "" {
		params["contextName"] = req.ContextName
	}

	return c.action(ctx, "start_ajax_crawl", "/JSON/ajaxSpider/action/scan/", params)
}

// ImportOpenAPI imports an API definition into a context
func (c *Client) ImportOpenAPI(ctx context.Context, specURL, contextID string) error {
	params := map[string]string{"url": specURL}
	if contextID != "" {
		params["contextId"] = contextID
	}
	return c.call(ctx, "import_openapi", "/JSON/openapi/action/importUrl/", params, nil)
}

// ImportScanPolicy loads a scan policy file available to the Scanner
func (c *Client) ImportScanPolicy(ctx context.Context, path string) error {
	return c.action(ctx, "import_scan_policy", "/JSON/ascan/action/importScanPolicy/", map[string]string{
		"path": path,
	})
}

// StartActiveScan starts vulnerability probing, as a user when req.UserID is set
func (c *Client) StartActiveScan(ctx context.Context, req ActiveScanRequest) (string, error) {
	params := map[string]string{
		"url":     req.URL,
		"recurse": strconv.FormatBool(req.Recurse),
	}
	if req.PolicyName != "" {
		params["scanPolicyName"] = req.PolicyName
	}
	if req.ContextID != "" {
		params["contextId"] = req.ContextID
	}

	path := "/JSON/ascan/action/scan/"
	operation := "start_active_scan"
	if req.UserID != "" {
		path = "/JSON/ascan/action/scanAsUser/"
		operation = "start_active_scan_as_user"
		params["userId"] = req.UserID
	}

	var resp scanIDResponse
	if err := c.call(ctx, operation, path, params, &resp); err != nil {
		return "", err
	}
	if resp.Scan == "" {
		return "", fmt.Errorf("scanner returned no active scan id for %s", req.URL)
	}
	return resp.Scan, nil
}

// Status returns the completion percentage of a crawl or active scan
func (c *Client) Status(ctx context.Context, job JobKind, scanID string) (int, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.call(ctx, string(job)+"_status", fmt.Sprintf("/JSON/%s/view/status/", job), map[string]string{
		"scanId": scanID,
	}, &resp)
	if err != nil {
		return 0, err
	}

	progress, err := strconv.Atoi(resp.Status)
	if err != nil {
		return 0, fmt.Errorf("invalid %s status %q: %w", job, resp.Status, err)
	}
	return progress, nil
}

// Alerts returns every alert recorded for URLs under baseURL
func (c *Client) Alerts(ctx context.Context, baseURL string) ([]Alert, error) {
	var all []Alert
	for start := 0; ; start += alertsPageSize {
		var resp struct {
			Alerts []Alert `json:"alerts"`
		}
		err := c.call(ctx, "alerts", "/JSON/core/view/alerts/", map[string]string{
			"baseurl": baseURL,
			"start":   strconv.Itoa(start),
			"count":   strconv.Itoa(alertsPageSize),
		}, &resp)
		if err != nil {
			return nil, err
		}

		all = append(all, resp.Alerts...)
		if len(resp.Alerts) < alertsPageSize {
			return all, nil
		}
	}
}

// GenerateReport renders a report on the Scanner and returns the written file path
func (c *Client) GenerateReport(ctx context.Context, req ReportRequest) (string, error) {
	params := map[string]string{
		"title":          req.Title,
		"template":       req.Template,
		"reportDir":      req.Dir,
		"reportFileName": req.FileName,
		"display":        "false",
	}
	if req.Theme != "" {
		params["theme"] = req.Theme
	}
	if len(req.Sites) > 0 {
		params["sites"] = strings.Join(req.Sites, "|")
	}
	if len(req.Sections) > 0 {
		params["sections"] = strings.Join(req.Sections, "|")
	}
	if len(req.IncludedRisks) > 0 {
		params["includedRisks"] = strings.Join(req.IncludedRisks, "|")
	}

	var resp struct {
		Generate string `json:"generate"`
	}
	if err := c.call(ctx, "generate_report", "/JSON/reports/action/generate/", params, &resp); err != nil {
		return "", err
	}
	if resp.Generate == "" {
		return "", fmt.Errorf("scanner returned no report path")
	}
	return resp.Generate, nil
}

// ReportTemplates lists the report templates the Scanner has installed
func (c *Client) ReportTemplates(ctx context.Context) ([]string, error) {
	var resp struct {
		Templates []string `json:"templates"`
	}
	if err := c.call(ctx, "report_templates", "/JSON/reports/view/templates/", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Templates, nil
}

// Version returns the Scanner version; used as a health check
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "version", "/JSON/core/view/version/", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}
