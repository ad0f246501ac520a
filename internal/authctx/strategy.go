package authctx

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/vulnscope/internal/utils"
)

// ErrInvalidAuthConfig is returned when an auth configuration is incomplete or malformed
var ErrInvalidAuthConfig = errors.New("invalid authentication configuration")

// AuthType names an authentication strategy
type AuthType string

const (
	AuthTypeForm          AuthType = "form"
	AuthTypeJSON          AuthType = "json"
	AuthTypeSessionReplay AuthType = "session-replay"
	AuthTypeBasic         AuthType = "basic"
)

const (
	defaultUsernameField = "username"
	defaultPasswordField = "password"
)

// Config is the auth configuration as received from clients
type Config struct {
	AuthType       AuthType          `json:"authType"`
	LoginURL       string            `json:"loginUrl,omitempty"`
	UsernameField  string            `json:"usernameField,omitempty"`
	PasswordField  string            `json:"passwordField,omitempty"`
	Username       string            `json:"username,omitempty"`
	Password       string            `json:"password,omitempty"`
	SuccessPattern string            `json:"successPattern,omitempty"`
	Cookies        string            `json:"cookies,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Strategy is one of FormAuth, JSONAuth, SessionReplay or BasicAuth
type Strategy interface {
	Type() AuthType
	Validate() error
	credentials() (username, password string, ok bool)
}

// Parse converts the wire configuration into a validated strategy
func (c Config) Parse() (Strategy, error) {
	var s Strategy
	switch c.AuthType {
	case AuthTypeForm:
		s = &FormAuth{login: c.login()}
	case AuthTypeJSON:
		s = &JSONAuth{login: c.login()}
	case AuthTypeSessionReplay:
		s = &SessionReplay{Cookies: c.Cookies, Headers: c.Headers}
	case AuthTypeBasic:
		s = &BasicAuth{Username: c.Username, Password: c.Password}
	case "":
		return nil, fmt.Errorf("%w: authType is required", ErrInvalidAuthConfig)
	default:
		return nil, fmt.Errorf("%w: unsupported authType %q", ErrInvalidAuthConfig, c.AuthType)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (c Config) login() login {
	l := login{
		LoginURL:       strings.TrimSpace(c.LoginURL),
		UsernameField:  c.UsernameField,
		PasswordField:  c.PasswordField,
		Username:       c.Username,
		Password:       c.Password,
		SuccessPattern: c.SuccessPattern,
	}
	if l.UsernameField == "" {
		l.UsernameField = defaultUsernameField
	}
	if l.PasswordField == "" {
		l.PasswordField = defaultPasswordField
	}
	return l
}

// login holds the fields shared by form and JSON logins
type login struct {
	LoginURL       string
	UsernameField  string
	PasswordField  string
	Username       string
	Password       string
	SuccessPattern string
}

func (l login) validate(kind AuthType) error {
	if l.LoginURL == "" {
		return fmt.Errorf("%w: %s authentication requires loginUrl", ErrInvalidAuthConfig, kind)
	}
	if _, err := utils.ParseTarget(l.LoginURL); err != nil {
		return fmt.Errorf("%w: loginUrl: %v", ErrInvalidAuthConfig, err)
	}
	if (l.Username == "") != (l.Password == "") {
		return fmt.Errorf("%w: username and password must be given together", ErrInvalidAuthConfig)
	}
	if l.SuccessPattern != "" {
		if _, err := regexp.Compile(l.SuccessPattern); err != nil {
			return fmt.Errorf("%w: successPattern: %v", ErrInvalidAuthConfig, err)
		}
	}
	return nil
}

func (l login) credentials() (string, string, bool) {
	return l.Username, l.Password, l.Username != ""
}

// FormAuth logs in by posting a url-encoded form
type FormAuth struct {
	login
}

func (f *FormAuth) Type() AuthType  { return AuthTypeForm }
func (f *FormAuth) Validate() error { return f.validate(AuthTypeForm) }

// JSONAuth logs in by posting a JSON body
type JSONAuth struct {
	login
}

func (j *JSONAuth) Type() AuthType  { return AuthTypeJSON }
func (j *JSONAuth) Validate() error { return j.validate(AuthTypeJSON) }

// SessionReplay injects an existing session's cookies and headers into every request
type SessionReplay struct {
	Cookies string
	Headers map[string]string
}

func (s *SessionReplay) Type() AuthType { return AuthTypeSessionReplay }

func (s *SessionReplay) Validate() error {
	if strings.TrimSpace(s.Cookies) == "" && len(s.Headers) == 0 {
		return fmt.Errorf("%w: session replay requires cookies or headers", ErrInvalidAuthConfig)
	}
	for name := range s.Headers {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, ":\r\n") {
			return fmt.Errorf("%w: invalid header name %q", ErrInvalidAuthConfig, name)
		}
	}
	return nil
}

func (s *SessionReplay) credentials() (string, string, bool) { return "", "", false }

// BasicAuth uses HTTP basic authentication against the target host
type BasicAuth struct {
	Username string
	Password string
	Realm    string
}

func (b *BasicAuth) Type() AuthType { return AuthTypeBasic }

func (b *BasicAuth) Validate() error {
	if b.Username == "" || b.Password == "" {
		return fmt.Errorf("%w: basic authentication requires username and password", ErrInvalidAuthConfig)
	}
	return nil
}

func (b *BasicAuth) credentials() (string, string, bool) { return b.Username, b.Password, true }
