package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulnscope/internal/metrics"
	"github.com/vulnscope/internal/utils"
)

type recordedRequest struct {
	Path  string
	Query url.Values
}

type fakeScanner struct {
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]func(w http.ResponseWriter, q url.Values)
}

func newFakeScanner(t *testing.T) (*fakeScanner, *httptest.Server) {
	t.Helper()
	fake := &fakeScanner{handlers: make(map[string]func(w http.ResponseWriter, q url.Values))}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		fake.requests = append(fake.requests, recordedRequest{Path: r.URL.Path, Query: r.URL.Query()})
		handler, ok := fake.handlers[r.URL.Path]
		fake.mu.Unlock()

		if r.Header.Get("X-ZAP-API-Key") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"code":"bad_api_key","message":"Invalid API key"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_, _ = w.Write([]byte(`{"Result":"OK"}`))
			return
		}
		handler(w, r.URL.Query())
	}))
	t.Cleanup(server.Close)
	return fake, server
}

func (f *fakeScanner) handle(path string, handler func(w http.ResponseWriter, q url.Values)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = handler
}

func (f *fakeScanner) requestsTo(path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(baseURL, apiKey string) *Client {
	return NewClient(Config{
		BaseURL:         baseURL,
		APIKey:          apiKey,
		Timeout:         5 * time.Second,
		BreakerFailures: 3,
		BreakerRecovery: time.Minute,
	}, metrics.NewMetrics(prometheus.NewRegistry()))
}

func TestClient_NewContext(t *testing.T) {
	fake, server := newFakeScanner(t)
	fake.handle("/JSON/context/action/newContext/", func(w http.ResponseWriter, q url.Values) {
		writeJSON(w, map[string]string{"contextId": "7"})
	})

	client := newTestClient(server.URL, "secret")
	id, err := client.NewContext(context.Background(), "ctx-example")
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	reqs := fake.requestsTo("/JSON/context/action/newContext/")
	require.Len(t, reqs, 1)
	assert.Equal(t, "ctx-example", reqs[0].Query.Get("contextName"))
}

func TestClient_APIErrorIsReturned(t *testing.T) {
	_, server := newFakeScanner(t)

	client := newTestClient(server.URL, "wrong")
	_, err := client.Version(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "bad_api_key", apiErr.Code)
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestClient_StartCrawl(t *testing.T) {
	fake, server := newFakeScanner(t)
	fake.handle("/JSON/spider/action/scan/", func(w http.ResponseWriter, q url.Values) {
		writeJSON(w, map[string]string{"scan": "3"})
	})
	fake.handle("/JSON/spider/action/scanAsUser/", func(w http.ResponseWriter, q url.Values) {
		writeJSON(w, map[string]string{"scan": "4"})
	})

	client := newTestClient(server.URL, "secret")
	ctx := context.Background()

	id, err := client.StartCrawl(ctx, CrawlRequest{URL: "https://example.com", MaxDepth: 2, MaxChildren: 10, ContextName: "ctx-a"})
	require.NoError(t, err)
	assert.Equal(t, "3", id)

	depth := fake.requestsTo("/JSON/spider/action/setOptionMaxDepth/")
	require.Len(t, depth, 1)
	assert.Equal(t, "2", depth[0].Query.Get("Integer"))

	crawl := fake.requestsTo("/JSON/spider/action/scan/")
	require.Len(t, crawl, 1)
	assert.Equal(t, "https://example.com", crawl[0].Query.Get("url"))
	assert.Equal(t, "10", crawl[0].Query.Get("maxChildren"))
	assert.Equal(t, "ctx-a", crawl[0].Query.Get("contextName"))

	id, err = client.StartCrawl(ctx, CrawlRequest{URL: "https://example.com", ContextID: "1", UserID: "9"})
	require.NoError(t, err)
	assert.Equal(t, "4", id)

	asUser := fake.requestsTo("/JSON/spider/action/scanAsUser/")
	require.Len(t, asUser, 1)
	assert.Equal(t, "1", asUser[0].Query.Get("contextId"))
	assert.Equal(t, "9", asUser[0].Query.Get("userId"))
}

func TestClient_ConcurrentCrawlsKeepTheirOwnOptions(t *testing.T) {
	fake, server := newFakeScanner(t)

	var mu sync.Mutex
	depth, duration := "", ""
	crawlDepth := make(map[string]string)
	ajaxDuration := make(map[string]string)

	fake.handle("/JSON/spider/action/setOptionMaxDepth/", func(w http.ResponseWriter, q url.Values) {
		mu.Lock()
		depth = q.Get("Integer")
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, map[string]string{"Result": "OK"})
	})
	fake.handle("/JSON/spider/action/scan/", func(w http.ResponseWriter, q url.Values) {
		mu.Lock()
		crawlDepth[q.Get("url")] = depth
		mu.Unlock()
		writeJSON(w, map[string]string{"scan": "1"})
	})
	fake.handle("/JSON/ajaxSpider/action/setOptionMaxDuration/", func(w http.ResponseWriter, q url.Values) {
		mu.Lock()
		duration = q.Get("Integer")
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, map[string]string{"Result": "OK"})
	})
	fake.handle("/JSON/ajaxSpider/action/scan/", func(w http.ResponseWriter, q url.Values) {
		mu.Lock()
		ajaxDuration[q.Get("url")] = duration
		mu.Unlock()
		writeJSON(w, map[string]string{"Result": "OK"})
	})

	client := newTestClient(server.URL, "secret")
	ctx := context.Background()

	targets := map[string]int{"https://free.example": 2, "https://enterprise.example": 20}
	var wg sync.WaitGroup
	for target, n := range targets {
		wg.Add(2)
		go func(target string, n int) {
			defer wg.Done()
			_, err := client.StartCrawl(ctx, CrawlRequest{URL: target, MaxDepth: n, MaxChildren: 10})
			assert.NoError(t, err)
		}(target, n)
		go func(target string, n int) {
			defer wg.Done()
			err := client.StartAJAXCrawl(ctx, AJAXCrawlRequest{URL: target, MaxDuration: time.Duration(n) * time.Minute})
			assert.NoError(t, err)
		}(target, n)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for target, n := range targets {
		assert.Equal(t, strconv.Itoa(n), crawlDepth[target], "crawl depth of %s", target)
		assert.Equal(t, strconv.Itoa(n), ajaxDuration[target], "AJAX duration of %s", target)
	}
}

func TestClient_StartActiveScan(t *testing.T) {
	fake, server := newFakeScanner(t)
	fake.handle("/JSON/ascan/action/scan/", func(w http.ResponseWriter, q url.Values) {
		writeJSON(w, map[string]string{"scan": "11"})
	})

	client := newTestClient(server.URL, "secret")
	id, err := client.StartActiveScan(context.Background(), ActiveScanRequest{
		URL:        "https://example.com",
		ContextID:  "2",
		PolicyName: "strict",
		Recurse:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "11", id)

	reqs := fake.requestsTo("/JSON/ascan/action/scan/")
	require.Len(t, reqs, 1)
	assert.Equal(t, "true", reqs[0].Query.Get("recurse"))
	assert.Equal(t, "strict", reqs[0].Query.Get("scanPolicyName"))
	assert.Equal(t, "2", reqs[0].Query.Get("contextId"))
}

func TestClient_Status(t *testing.T) {
	fake, server := newFakeScanner(t)
	fake.handle("/JSON/ascan/view/status/", func(w http.ResponseWriter, q url.Values) {
		writeJSON(w, map[string]string{"status": "45"})
	})
	fake.handle("/JSON/spider/view/status/", func(w http.ResponseWriter, q url.Values) {
		writeJSON(w, map[string]string{"status": "not-a-number"})
	})

	client := newTestClient(server.URL, "secret")

	progress, err := client.Status(context.Background(), JobActiveScan, "5")
	require.NoError(t, err)
	assert.Equal(t, 45, progress)

	_, err = client.Status(context.Background(), JobCrawl, "5")
	assert.Error(t, err)
}

func TestClient_AlertsPaginates(t *testing.T) {
	fake, server := newFakeScanner(t)
	fake.handle("/JSON/core/view/alerts/", func(w http.ResponseWriter, q url.Values) {
		start, _ := strconv.Atoi(q.Get("start"))
		count := 0
		if start == 0 {
			count = alertsPageSize
		} else {
			count = 3
		}
		alerts := make([]Alert, count)
		for i := range alerts {
			alerts[i] = Alert{ID: fmt.Sprintf("%d", start+i), Risk: "Low", Name: "Cookie without flag"}
		}
		writeJSON(w, map[string]interface{}{"alerts": alerts})
	})

	client := newTestClient(server.URL, "secret")
	alerts, err := client.Alerts(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Len(t, alerts, alertsPageSize+3)

	reqs := fake.requestsTo("/JSON/core/view/alerts/")
	require.Len(t, reqs, 2)
	assert.Equal(t, "https://example.com", reqs[1].Query.Get("baseurl"))
	assert.Equal(t, strconv.Itoa(alertsPageSize), reqs[1].Query.Get("start"))
}

func TestClient_SetAuthenticationMethodEncodesParams(t *testing.T) {
	fake, server := newFakeScanner(t)
	client := newTestClient(server.URL, "secret")

	params := url.Values{}
	params.Set("loginUrl", "https://example.com/login")
	params.Set("loginRequestData", "username={%username%}&password={%password%}")

	err := client.SetAuthenticationMethod(context.Background(), "1", AuthMethodForm, params)
	require.NoError(t, err)

	reqs := fake.requestsTo("/JSON/authentication/action/setAuthenticationMethod/")
	require.Len(t, reqs, 1)
	assert.Equal(t, AuthMethodForm, reqs[0].Query.Get("authMethodName"))

	decoded, err := url.ParseQuery(reqs[0].Query.Get("authMethodConfigParams"))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/login", decoded.Get("loginUrl"))
	assert.Equal(t, "username={%username%}&password={%password%}", decoded.Get("loginRequestData"))
}

func TestClient_UsersList(t *testing.T) {
	fake, server := newFakeScanner(t)
	fake.handle("/JSON/users/view/usersList/", func(w http.ResponseWriter, q url.Values) {
		writeJSON(w, map[string]interface{}{
			"usersList": []map[string]string{{"id": "0", "name": "scan-user", "contextId": q.Get("contextId"), "enabled": "true"}},
		})
	})

	client := newTestClient(server.URL, "secret")
	users, err := client.UsersList(context.Background(), "4")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.True(t, users[0].IsEnabled())
	assert.Equal(t, "4", users[0].ContextID)
}

func TestClient_ActionResultNotOK(t *testing.T) {
	fake, server := newFakeScanner(t)
	fake.handle("/JSON/context/action/includeInContext/", func(w http.ResponseWriter, q url.Values) {
		writeJSON(w, map[string]string{"Result": "FAIL"})
	})

	client := newTestClient(server.URL, "secret")
	err := client.IncludeInContext(context.Background(), "ctx", "^https://example\\.com.*")
	assert.Error(t, err)
}

func TestClient_BreakerOpensAfterFailures(t *testing.T) {
	fake, server := newFakeScanner(t)
	fake.handle("/JSON/core/view/version/", func(w http.ResponseWriter, q url.Values) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"internal_error","message":"boom"}`))
	})

	client := newTestClient(server.URL, "secret")
	for i := 0; i < 3; i++ {
		_, err := client.Version(context.Background())
		require.Error(t, err)
	}

	_, err := client.Version(context.Background())
	assert.ErrorIs(t, err, utils.ErrCircuitOpen)
	assert.Len(t, fake.requestsTo("/JSON/core/view/version/"), 3)
}

func TestClient_GenerateReport(t *testing.T) {
	fake, server := newFakeScanner(t)
	fake.handle("/JSON/reports/action/generate/", func(w http.ResponseWriter, q url.Values) {
		writeJSON(w, map[string]string{"generate": q.Get("reportDir") + "/" + q.Get("reportFileName")})
	})

	client := newTestClient(server.URL, "secret")
	path, err := client.GenerateReport(context.Background(), ReportRequest{
		Title:    "Scan report",
		Template: "traditional-json",
		Sites:    []string{"https://example.com"},
		Dir:      "/reports",
		FileName: "abc.json",
	})
	require.NoError(t, err)
	assert.Equal(t, "/reports/abc.json", path)

	reqs := fake.requestsTo("/JSON/reports/action/generate/")
	require.Len(t, reqs, 1)
	assert.Equal(t, "traditional-json", reqs[0].Query.Get("template"))
	assert.Equal(t, "https://example.com", reqs[0].Query.Get("sites"))
}

func TestMockClient_StatusSequence(t *testing.T) {
	mock := NewMockClient()
	mock.SetStatusSequence(JobCrawl, 10, 60, 100)
	ctx := context.Background()

	id, err := mock.StartCrawl(ctx, CrawlRequest{URL: "https://example.com"})
	require.NoError(t, err)

	var seen []int
	for i := 0; i < 4; i++ {
		p, err := mock.Status(ctx, JobCrawl, id)
		require.NoError(t, err)
		seen = append(seen, p)
	}
	assert.Equal(t, []int{10, 60, 100, 100}, seen)
	assert.Equal(t, 4, mock.Calls("spider_status"))
}
