package authctx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/probe"
	"github.com/vulnscope/internal/utils"
)

// Result is the outcome of an authentication dry-run
type Result struct {
	Success     bool     `json:"success"`
	Details     *Context `json:"details,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// TestAuthentication configures a throwaway context for the target and
// reports whether the Scanner accepted the configuration. No crawl or
// vulnerability scan is run and the context is removed afterwards.
func (m *Manager) TestAuthentication(ctx context.Context, targetURL string, cfg Config) Result {
	if cfg.AuthType == AuthTypeSessionReplay {
		return Result{
			Reason: "Session replay authentication cannot be verified without running a scan",
			Suggestions: []string{
				"Start a scan with the session cookies and check the results for authenticated pages",
				"Use form or JSON authentication if the site has a login endpoint",
			},
		}
	}

	if _, err := utils.ParseTarget(targetURL); err != nil {
		return Result{Reason: err.Error(), Suggestions: []string{"Check the target URL"}}
	}

	strategy, err := cfg.Parse()
	if err != nil {
		return Result{Reason: err.Error(), Suggestions: []string{"Check the authentication settings"}}
	}

	reach, ok := m.checkReachable(ctx, targetURL, strategy)
	if !ok {
		return reach
	}
	suggestions := reach.Suggestions

	if form, ok := strategy.(*FormAuth); ok {
		missing, err := m.missingFormFields(ctx, form.LoginURL, form.UsernameField, form.PasswordField)
		switch {
		case err != nil:
			logrus.Debugf("Login page inspection failed for %s: %v", form.LoginURL, err)
			suggestions = append(suggestions, "Could not inspect the login page; check the login URL")
		case len(missing) > 0:
			suggestions = append(suggestions, fmt.Sprintf("Login page has no input named %s; check the field names", strings.Join(missing, ", ")))
		}
	}

	authCtx, err := m.CreateContext(ctx, targetURL, strategy)
	if err != nil {
		return Result{
			Reason:      err.Error(),
			Suggestions: append(suggestions, failureSuggestions(err)...),
		}
	}
	m.Release(ctx, authCtx)

	return Result{
		Success:     true,
		Details:     authCtx,
		Suggestions: suggestions,
	}
}

// checkReachable probes the target and login URL when a prober is configured
func (m *Manager) checkReachable(ctx context.Context, targetURL string, strategy Strategy) (Result, bool) {
	if m.prober == nil {
		return Result{}, true
	}

	urls := []string{targetURL}
	loginURL := ""
	switch s := strategy.(type) {
	case *FormAuth:
		loginURL = s.LoginURL
	case *JSONAuth:
		loginURL = s.LoginURL
	}
	if loginURL != "" && loginURL != targetURL {
		urls = append(urls, loginURL)
	}

	results, err := m.prober.Probe(ctx, urls)
	if err != nil {
		logrus.Warnf("Reachability probe failed: %v", err)
		return Result{Suggestions: []string{"Reachability of the target could not be verified"}}, true
	}

	login := probe.Normalize(loginURL)
	if login == probe.Normalize(targetURL) {
		login = ""
	}
	for _, r := range results {
		if r.Reachable {
			continue
		}
		if login != "" && r.URL == login {
			return Result{
				Reason:      fmt.Sprintf("Login URL %s is not reachable", r.URL),
				Suggestions: []string{"Check the login URL"},
			}, false
		}
		return Result{
			Reason:      fmt.Sprintf("Target %s is not reachable", r.URL),
			Suggestions: []string{"Check the target URL and that the site is online"},
		}, false
	}

	return Result{}, true
}

func failureSuggestions(err error) []string {
	switch {
	case errors.Is(err, ErrUserNotEnabled):
		return []string{"Check the credentials", "Check that the Scanner accepts users for this context"}
	case errors.Is(err, ErrInvalidAuthConfig):
		return []string{"Check the authentication settings"}
	default:
		return []string{"Check the credentials", "Check the login URL", "Check that the Scanner is running"}
	}
}
