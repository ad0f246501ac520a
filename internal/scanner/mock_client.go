package scanner

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// MockClient is an in-memory Scanner used in tests
type MockClient struct {
	mu sync.Mutex

	calls     map[string]int
	failures  map[string]error
	sequences map[JobKind][]int
	progress  map[string][]int
	alerts    []Alert
	templates []string

	contexts    map[string]string // name -> id
	users       map[string][]User // context id -> users
	credentials map[string]url.Values
	rules       []ReplacerRule
	crawls      []CrawlRequest
	activeScans []ActiveScanRequest

	nextID        int
	disableEnable bool
	reportContent []byte
}

// NewMockClient creates a mock whose jobs report 100% on the first status call
func NewMockClient() *MockClient {
	return &MockClient{
		calls:       make(map[string]int),
		failures:    make(map[string]error),
		sequences:   make(map[JobKind][]int),
		progress:    make(map[string][]int),
		contexts:    make(map[string]string),
		users:       make(map[string][]User),
		credentials: make(map[string]url.Values),
		templates:   []string{"traditional-html", "traditional-json", "traditional-xml", "traditional-pdf"},
	}
}

// SetStatusSequence sets the progress values returned by successive status
// calls for jobs started afterwards. The last value repeats.
func (m *MockClient) SetStatusSequence(job JobKind, seq ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[job] = append([]int(nil), seq...)
}

// SetJobProgress replaces the remaining progress values of a started job
func (m *MockClient) SetJobProgress(job JobKind, jobID string, seq ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[string(job)+"/"+jobID] = append([]int(nil), seq...)
}

// SetAlerts sets the alerts returned by Alerts
func (m *MockClient) SetAlerts(alerts []Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append([]Alert(nil), alerts...)
}

// FailOn makes every call of operation return err; a nil err clears it
func (m *MockClient) FailOn(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, operation)
		return
	}
	m.failures[operation] = err
}

// DisableUserEnabling makes created users stay disabled
func (m *MockClient) DisableUserEnabling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableEnable = true
}

// SetReportContent sets the bytes written by GenerateReport
func (m *MockClient) SetReportContent(content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportContent = append([]byte(nil), content...)
}

// Calls returns how many times operation was invoked
func (m *MockClient) Calls(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[operation]
}

// Crawls returns the crawl requests received
func (m *MockClient) Crawls() []CrawlRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CrawlRequest(nil), m.crawls...)
}

// ActiveScans returns the active scan requests received
func (m *MockClient) ActiveScans() []ActiveScanRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ActiveScanRequest(nil), m.activeScans...)
}

// ReplacerRules returns the replacer rules added
func (m *MockClient) ReplacerRules() []ReplacerRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReplacerRule(nil), m.rules...)
}

// HasContext reports whether a context with name currently exists
func (m *MockClient) HasContext(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[name]
	return ok
}

// record counts the call and returns the injected failure, if any. Caller holds mu.
func (m *MockClient) record(operation string) error {
	m.calls[operation]++
	return m.failures[operation]
}

func (m *MockClient) newID() string {
	m.nextID++
	return strconv.Itoa(m.nextID)
}

func (m *MockClient) do(operation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(operation)
}

func (m *MockClient) NewContext(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("new_context"); err != nil {
		return "", err
	}
	if _, exists := m.contexts[name]; exists {
		return "", &APIError{Operation: "new_context", StatusCode: 400, Code: "already_exists", Message: "context exists"}
	}
	id := m.newID()
	m.contexts[name] = id
	return id, nil
}

func (m *MockClient) RemoveContext(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("remove_context"); err != nil {
		return err
	}
	id, ok := m.contexts[name]
	if !ok {
		return &APIError{Operation: "remove_context", StatusCode: 400, Code: "context_not_found"}
	}
	delete(m.contexts, name)
	delete(m.users, id)
	return nil
}

func (m *MockClient) IncludeInContext(ctx context.Context, contextName, regex string) error {
	return m.do("include_in_context")
}

func (m *MockClient) SetAuthenticationMethod(ctx context.Context, contextID, method string, params url.Values) error {
	return m.do("set_authentication_method")
}

func (m *MockClient) SetLoggedInIndicator(ctx context.Context, contextID, regex string) error {
	return m.do("set_logged_in_indicator")
}

func (m *MockClient) NewUser(ctx context.Context, contextID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("new_user"); err != nil {
		return "", err
	}
	id := m.newID()
	m.users[contextID] = append(m.users[contextID], User{ID: id, Name: name, ContextID: contextID, Enabled: "false"})
	return id, nil
}

func (m *MockClient) SetAuthenticationCredentials(ctx context.Context, contextID, userID string, params url.Values) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("set_credentials"); err != nil {
		return err
	}
	m.credentials[contextID+"/"+userID] = params
	return nil
}

func (m *MockClient) SetUserEnabled(ctx context.Context, contextID, userID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("set_user_enabled"); err != nil {
		return err
	}
	if m.disableEnable {
		return nil
	}
	users := m.users[contextID]
	for i := range users {
		if users[i].ID == userID {
			users[i].Enabled = strconv.FormatBool(enabled)
			return nil
		}
	}
	return &APIError{Operation: "set_user_enabled", StatusCode: 400, Code: "user_not_found"}
}

func (m *MockClient) UsersList(ctx context.Context, contextID string) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("users_list"); err != nil {
		return nil, err
	}
	return append([]User(nil), m.users[contextID]...), nil
}

func (m *MockClient) SetForcedUser(ctx context.Context, contextID, userID string) error {
	return m.do("set_forced_user")
}

func (m *MockClient) SetForcedUserModeEnabled(ctx context.Context, enabled bool) error {
	return m.do("set_forced_user_mode")
}

func (m *MockClient) AddReplacerRule(ctx context.Context, rule ReplacerRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("add_replacer_rule"); err != nil {
		return err
	}
	m.rules = append(m.rules, rule)
	return nil
}

// startJob allocates a job id with the configured progress sequence. Caller holds mu.
func (m *MockClient) startJob(job JobKind) string {
	id := m.newID()
	seq := m.sequences[job]
	if len(seq) == 0 {
		seq = []int{100}
	}
	m.progress[string(job)+"/"+id] = append([]int(nil), seq...)
	return id
}

func (m *MockClient) StartCrawl(ctx context.Context, req CrawlRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("start_crawl"); err != nil {
		return "", err
	}
	m.crawls = append(m.crawls, req)
	return m.startJob(JobCrawl), nil
}

func (m *MockClient) StartAJAXCrawl(ctx context.Context, req AJAXCrawlRequest) error {
	return m.do("start_ajax_crawl")
}

func (m *MockClient) ImportOpenAPI(ctx context.Context, specURL, contextID string) error {
	return m.do("import_openapi")
}

func (m *MockClient) ImportScanPolicy(ctx context.Context, path string) error {
	return m.do("import_scan_policy")
}

func (m *MockClient) StartActiveScan(ctx context.Context, req ActiveScanRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("start_active_scan"); err != nil {
		return "", err
	}
	m.activeScans = append(m.activeScans, req)
	return m.startJob(JobActiveScan), nil
}

func (m *MockClient) Status(ctx context.Context, job JobKind, scanID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(string(job) + "_status"); err != nil {
		return 0, err
	}
	key := string(job) + "/" + scanID
	seq, ok := m.progress[key]
	if !ok {
		return 0, &APIError{Operation: string(job) + "_status", StatusCode: 400, Code: "does_not_exist"}
	}
	value := seq[0]
	if len(seq) > 1 {
		m.progress[key] = seq[1:]
	}
	return value, nil
}

func (m *MockClient) Alerts(ctx context.Context, baseURL string) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("alerts"); err != nil {
		return nil, err
	}
	return append([]Alert(nil), m.alerts...), nil
}

// GenerateReport writes the configured content into req.Dir/req.FileName
func (m *MockClient) GenerateReport(ctx context.Context, req ReportRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("generate_report"); err != nil {
		return "", err
	}
	content := m.reportContent
	if content == nil {
		content = []byte(fmt.Sprintf("report %s for %v", req.Template, req.Sites))
	}
	path := filepath.Join(req.Dir, req.FileName)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (m *MockClient) ReportTemplates(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("report_templates"); err != nil {
		return nil, err
	}
	return append([]string(nil), m.templates...), nil
}

func (m *MockClient) Version(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("version"); err != nil {
		return "", err
	}
	return "2.16.0", nil
}

var _ API = (*MockClient)(nil)
var _ API = (*Client)(nil)
