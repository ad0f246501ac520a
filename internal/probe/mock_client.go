package probe

import (
	"context"
	"time"
)

// MockClient is a probe that answers from a fixed set of reachable URLs
type MockClient struct {
	reachable map[string]bool
	delay     time.Duration
}

// NewMockClient creates a mock probe. URLs are matched after normalization.
func NewMockClient(reachable []string, delay time.Duration) *MockClient {
	set := make(map[string]bool)
	for _, u := range normalize(reachable) {
		set[u] = true
	}
	return &MockClient{reachable: set, delay: delay}
}

// Probe reports URLs as reachable when they were registered
func (m *MockClient) Probe(ctx context.Context, urls []string) ([]Result, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	targets := normalize(urls)
	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		r := Result{URL: target, Reachable: m.reachable[target]}
		if r.Reachable {
			r.StatusCode = 200
		} else {
			r.Error = "no response"
		}
		results = append(results, r)
	}
	return results, nil
}

var _ Prober = (*MockClient)(nil)
var _ Prober = (*Client)(nil)
