package utils

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrEmptyURL is returned when no target URL was given
	ErrEmptyURL = errors.New("no URL provided")
	// ErrInvalidURL is returned when the target is not an absolute http(s) URL
	ErrInvalidURL = errors.New("invalid URL")
)

var nonContextChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// ParseTarget validates a scan target and returns it parsed
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyURL
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("%w: no hostname found in %s", ErrInvalidURL, raw)
	}

	return parsed, nil
}

// Origin returns scheme://host[:port] of a URL
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// IncludePattern returns a regex matching every URL under the origin of u
func IncludePattern(u *url.URL) string {
	return "^" + regexp.QuoteMeta(Origin(u)) + ".*"
}

// ContextName returns a unique, readable name for a scanner context on u
func ContextName(u *url.URL) string {
	host := nonContextChars.ReplaceAllString(u.Hostname(), "-")
	return fmt.Sprintf("ctx-%s-%s", strings.Trim(host, "-"), uuid.New().String()[:8])
}

// Port returns the explicit or scheme-default port of u
func Port(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}
