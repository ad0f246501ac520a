package authctx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/probe"
	"github.com/vulnscope/internal/scanner"
	"github.com/vulnscope/internal/utils"
)

// ErrUserNotEnabled is returned when the Scanner does not list the created user as enabled
var ErrUserNotEnabled = errors.New("scanner user is not enabled")

const scanUserName = "vulnscope-user"

// Context is an authenticated scanning context on the Scanner
type Context struct {
	ID     string   `json:"contextId"`
	Name   string   `json:"contextName"`
	Method AuthType `json:"method"`
	UserID string   `json:"userId,omitempty"`
}

// Manager creates and configures authenticated contexts on the Scanner
type Manager struct {
	scanner scanner.API
	prober  probe.Prober
	http    *resty.Client
}

// NewManager creates a manager. prober and httpClient may be nil; without a
// prober the dry-run skips reachability checks.
func NewManager(api scanner.API, prober probe.Prober, httpClient *resty.Client) *Manager {
	if httpClient == nil {
		httpClient = resty.New()
	}
	return &Manager{
		scanner: api,
		prober:  prober,
		http:    httpClient,
	}
}

// CreateContext allocates a context scoped to the target's origin and
// configures the strategy on it. Any failing step aborts the whole operation.
func (m *Manager) CreateContext(ctx context.Context, targetURL string, strategy Strategy) (*Context, error) {
	target, err := utils.ParseTarget(targetURL)
	if err != nil {
		return nil, err
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	name := utils.ContextName(target)
	id, err := m.scanner.NewContext(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	authCtx := &Context{ID: id, Name: name, Method: strategy.Type()}
	if err := m.configure(ctx, target, authCtx, strategy); err != nil {
		m.Release(ctx, authCtx)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"context": name,
		"method":  strategy.Type(),
		"target":  utils.Origin(target),
	}).Info("Created authenticated scan context")

	return authCtx, nil
}

func (m *Manager) configure(ctx context.Context, target *url.URL, authCtx *Context, strategy Strategy) error {
	if err := m.scanner.IncludeInContext(ctx, authCtx.Name, utils.IncludePattern(target)); err != nil {
		return fmt.Errorf("failed to include target in context: %w", err)
	}

	switch s := strategy.(type) {
	case *FormAuth:
		params := url.Values{}
		params.Set("loginUrl", s.LoginURL)
		params.Set("loginRequestData", formTemplate(s.UsernameField, s.PasswordField))
		if err := m.setMethod(ctx, authCtx.ID, scanner.AuthMethodForm, params, s.SuccessPattern); err != nil {
			return err
		}
	case *JSONAuth:
		body, err := jsonTemplate(s.UsernameField, s.PasswordField)
		if err != nil {
			return err
		}
		params := url.Values{}
		params.Set("loginUrl", s.LoginURL)
		params.Set("loginRequestData", body)
		if err := m.setMethod(ctx, authCtx.ID, scanner.AuthMethodJSON, params, s.SuccessPattern); err != nil {
			return err
		}
	case *BasicAuth:
		params := url.Values{}
		params.Set("hostname", target.Hostname())
		params.Set("realm", s.Realm)
		params.Set("port", utils.Port(target))
		if err := m.setMethod(ctx, authCtx.ID, scanner.AuthMethodHTTP, params, ""); err != nil {
			return err
		}
	case *SessionReplay:
		return m.replaySession(ctx, authCtx, s)
	default:
		return fmt.Errorf("%w: unsupported strategy %T", ErrInvalidAuthConfig, strategy)
	}

	username, password, ok := strategy.credentials()
	if !ok {
		return nil
	}

	userID, err := m.createUser(ctx, authCtx.ID, username, password)
	if err != nil {
		return err
	}
	authCtx.UserID = userID

	if err := m.scanner.SetForcedUser(ctx, authCtx.ID, userID); err != nil {
		return fmt.Errorf("failed to set forced user: %w", err)
	}
	if err := m.scanner.SetForcedUserModeEnabled(ctx, true); err != nil {
		return fmt.Errorf("failed to enable forced user mode: %w", err)
	}

	return nil
}

func (m *Manager) setMethod(ctx context.Context, contextID, method string, params url.Values, successPattern string) error {
	if err := m.scanner.SetAuthenticationMethod(ctx, contextID, method, params); err != nil {
		return fmt.Errorf("failed to set authentication method: %w", err)
	}
	if successPattern != "" {
		if err := m.scanner.SetLoggedInIndicator(ctx, contextID, successPattern); err != nil {
			return fmt.Errorf("failed to set logged in indicator: %w", err)
		}
	}
	return nil
}

// createUser creates a Scanner user with credentials and verifies it is enabled
func (m *Manager) createUser(ctx context.Context, contextID, username, password string) (string, error) {
	userID, err := m.scanner.NewUser(ctx, contextID, scanUserName)
	if err != nil {
		return "", fmt.Errorf("failed to create scanner user: %w", err)
	}

	creds := url.Values{}
	creds.Set("username", username)
	creds.Set("password", password)
	if err := m.scanner.SetAuthenticationCredentials(ctx, contextID, userID, creds); err != nil {
		return "", fmt.Errorf("failed to set user credentials: %w", err)
	}

	if err := m.scanner.SetUserEnabled(ctx, contextID, userID, true); err != nil {
		return "", fmt.Errorf("failed to enable scanner user: %w", err)
	}

	users, err := m.scanner.UsersList(ctx, contextID)
	if err != nil {
		return "", fmt.Errorf("failed to list scanner users: %w", err)
	}
	for _, u := range users {
		if u.ID == userID {
			if u.IsEnabled() {
				return userID, nil
			}
			break
		}
	}

	return "", fmt.Errorf("%w: user %s in context %s", ErrUserNotEnabled, userID, contextID)
}

// replaySession adds header rewrite rules carrying the session's cookies and headers
func (m *Manager) replaySession(ctx context.Context, authCtx *Context, s *SessionReplay) error {
	var rules []scanner.ReplacerRule
	if s.Cookies != "" {
		rules = append(rules, scanner.ReplacerRule{
			Description: authCtx.Name + "-cookie",
			MatchString: "Cookie",
			Replacement: s.Cookies,
		})
	}

	names := make([]string, 0, len(s.Headers))
	for name := range s.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rules = append(rules, scanner.ReplacerRule{
			Description: authCtx.Name + "-" + name,
			MatchString: name,
			Replacement: s.Headers[name],
		})
	}

	for _, rule := range rules {
		if err := m.scanner.AddReplacerRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to add session header %s: %w", rule.MatchString, err)
		}
	}
	return nil
}

// Release removes the context from the Scanner. Failures are only logged.
func (m *Manager) Release(ctx context.Context, authCtx *Context) {
	if authCtx == nil {
		return
	}
	if err := m.scanner.RemoveContext(ctx, authCtx.Name); err != nil {
		logrus.Warnf("Failed to remove scan context %s: %v", authCtx.Name, err)
	}
}

func formTemplate(usernameField, passwordField string) string {
	return url.QueryEscape(usernameField) + "=" + scanner.UsernamePlaceholder +
		"&" + url.QueryEscape(passwordField) + "=" + scanner.PasswordPlaceholder
}

func jsonTemplate(usernameField, passwordField string) (string, error) {
	body, err := json.Marshal(map[string]string{
		usernameField: scanner.UsernamePlaceholder,
		passwordField: scanner.PasswordPlaceholder,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build JSON login body: %w", err)
	}
	return string(body), nil
}

// missingFormFields fetches the login page and returns the configured input names it lacks
func (m *Manager) missingFormFields(ctx context.Context, loginURL string, fields ...string) ([]string, error) {
	resp, err := m.http.R().SetContext(ctx).Get(loginURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch login page: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("login page returned status %d", resp.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse login page: %w", err)
	}

	var missing []string
	for _, field := range fields {
		if doc.Find(fmt.Sprintf("input[name=%q]", field)).Length() == 0 {
			missing = append(missing, field)
		}
	}
	return missing, nil
}
