package probe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/httpx/runner"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of probing one URL
type Result struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Reachable  bool   `json:"reachable"`
	Error      string `json:"error,omitempty"`
}

// Prober checks whether URLs answer HTTP requests
type Prober interface {
	Probe(ctx context.Context, urls []string) ([]Result, error)
}

// Config holds configuration for the httpx probe
type Config struct {
	Timeout         time.Duration // per-URL timeout
	TotalTimeout    time.Duration // upper bound for one Probe call
	Concurrency     int
	RateLimit       int
	FollowRedirects bool
	MaxRedirects    int
	Debug           bool
}

// Client probes URLs with httpx
type Client struct {
	config *Config
}

// NewClient creates a new probe client
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{
			Timeout:         10 * time.Second,
			TotalTimeout:    30 * time.Second,
			Concurrency:     5,
			RateLimit:       20,
			FollowRedirects: true,
			MaxRedirects:    3,
		}
	}
	return &Client{config: config}
}

// Probe requests every URL once and reports which ones answered. URLs that
// produced no result before the deadline are reported unreachable.
func (c *Client) Probe(ctx context.Context, urls []string) ([]Result, error) {
	targets := normalize(urls)
	if len(targets) == 0 {
		return []Result{}, nil
	}

	var mu sync.Mutex
	seen := make(map[string]Result, len(targets))

	options := &runner.Options{
		InputTargetHost: targets,
		RateLimit:       c.config.RateLimit,
		Threads:         c.config.Concurrency,
		Timeout:         int(c.config.Timeout.Seconds()),
		FollowRedirects: c.config.FollowRedirects,
		MaxRedirects:    c.config.MaxRedirects,
		Silent:          true,
		NoColor:         true,
		Verbose:         c.config.Debug,
		Debug:           c.config.Debug,
		OnResult: func(result runner.Result) {
			r := Result{
				URL:        result.Input,
				StatusCode: result.StatusCode,
				Reachable:  result.StatusCode > 0,
			}
			if r.URL == "" {
				r.URL = result.URL
			}
			if !r.Reachable {
				r.Error = "no response"
				if result.Error != "" {
					r.Error = result.Error
				}
			}

			mu.Lock()
			seen[r.URL] = r
			mu.Unlock()
		},
	}

	httpxRunner, err := runner.New(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTPX runner: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer httpxRunner.Close()
		httpxRunner.RunEnumeration()
	}()

	timeout := c.config.TotalTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		logrus.Warnf("HTTPX probe timed out after %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()

	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		if r, ok := seen[target]; ok {
			results = append(results, r)
			continue
		}
		results = append(results, Result{URL: target, Error: "no response"})
	}

	logrus.Debugf("HTTPX probe finished for %d URLs", len(targets))
	return results, nil
}

// Normalize returns u the way it appears in a Result, or "" when there is
// nothing to probe.
func Normalize(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || u == "http://" || u == "https://" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return u
}

func normalize(urls []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range urls {
		u = Normalize(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
