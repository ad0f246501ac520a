package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Database DatabaseConfig
	Scanner  ScannerConfig
	App      AppConfig
	HTTP     HTTPConfig
	Server   ServerConfig
	Scan     ScanConfig
	Probe    ProbeConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	SSLCert         string
	SSLKey          string
	SSLRootCert     string
	ConnectTimeout  time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// ScannerConfig holds the Scanner connection settings
type ScannerConfig struct {
	URL             string
	APIKey          string
	RateLimit       int
	ReportDir       string
	MaxChildren     int
	AJAXMaxDuration time.Duration
	BreakerFailures int
	BreakerRecovery time.Duration
}

// AppConfig holds application configuration
type AppConfig struct {
	LogLevel          string
	LogFormat         string
	LogFile           string
	LogMaxSizeMB      int
	LogMaxBackups     int
	LogMaxAgeDays     int
	Environment       string
	TiersFile         string
	ReconcileSchedule string
}

// HTTPConfig holds HTTP client configuration
type HTTPConfig struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Addr           string
	CORSOrigins    []string
	RequestTimeout time.Duration
	SSEHeartbeat   time.Duration
	// PlanChanges lets users change their own tier. Leave off when billing
	// owns subscriptions.
	PlanChanges bool
}

// ScanConfig holds scan polling settings
type ScanConfig struct {
	PollInterval    time.Duration
	MaxDuration     time.Duration
	MaxPollFailures int
}

// ProbeConfig holds reachability probe settings
type ProbeConfig struct {
	Enabled bool
	Timeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables")
	}

	config := &Config{}
	p := &parser{}

	// Database configuration
	config.Database = DatabaseConfig{
		Driver:          strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverPostgres)),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            p.integer("DB_PORT", "5432"),
		Name:            getEnv("DB_NAME", "vulnscope"),
		User:            getEnv("DB_USER", "vulnscope"),
		Password:        getEnv("DB_PASSWORD", ""),
		SSLMode:         getEnv("DB_SSL_MODE", "disable"),
		SSLCert:         getEnv("DB_SSL_CERT", ""),
		SSLKey:          getEnv("DB_SSL_KEY", ""),
		SSLRootCert:     getEnv("DB_SSL_ROOT_CERT", ""),
		ConnectTimeout:  p.duration("DB_CONNECT_TIMEOUT", "30s"),
		MaxOpenConns:    p.integer("DB_MAX_OPEN_CONNS", "25"),
		MaxIdleConns:    p.integer("DB_MAX_IDLE_CONNS", "5"),
		ConnMaxLifetime: p.duration("DB_CONN_MAX_LIFETIME", "5m"),
		AutoMigrate:     p.boolean("DB_AUTO_MIGRATE", "true"),
	}

	// Scanner configuration
	config.Scanner = ScannerConfig{
		URL:             getEnv("SCANNER_URL", "http://localhost:8090"),
		APIKey:          getEnv("SCANNER_API_KEY", ""),
		RateLimit:       p.integer("SCANNER_RATE_LIMIT", "20"),
		ReportDir:       getEnv("SCANNER_REPORT_DIR", os.TempDir()),
		MaxChildren:     p.integer("SCANNER_MAX_CHILDREN", "10"),
		AJAXMaxDuration: time.Duration(p.integer("SCANNER_AJAX_MAX_DURATION", "5")) * time.Minute,
		BreakerFailures: p.integer("SCANNER_BREAKER_FAILURES", "5"),
		BreakerRecovery: p.duration("SCANNER_BREAKER_RECOVERY", "30s"),
	}

	// Application configuration
	config.App = AppConfig{
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		LogFile:           getEnv("LOG_FILE", ""),
		LogMaxSizeMB:      p.integer("LOG_MAX_SIZE_MB", "100"),
		LogMaxBackups:     p.integer("LOG_MAX_BACKUPS", "3"),
		LogMaxAgeDays:     p.integer("LOG_MAX_AGE_DAYS", "28"),
		Environment:       getEnv("ENVIRONMENT", "development"),
		TiersFile:         getEnv("TIERS_FILE", ""),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "0 */5 * * * *"),
	}

	// HTTP configuration
	config.HTTP = HTTPConfig{
		Timeout:       p.duration("HTTP_TIMEOUT", "30s"),
		RetryAttempts: p.integer("HTTP_RETRY_ATTEMPTS", "3"),
		RetryDelay:    p.duration("HTTP_RETRY_DELAY", "1s"),
	}

	// Server configuration
	config.Server = ServerConfig{
		Addr:           getEnv("SERVER_ADDR", ":8080"),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "*")),
		RequestTimeout: p.duration("SERVER_REQUEST_TIMEOUT", "60s"),
		SSEHeartbeat:   p.duration("SSE_HEARTBEAT", "15s"),
		PlanChanges:    p.boolean("SUBSCRIPTION_SELF_SERVICE", "false"),
	}

	// Scan configuration
	config.Scan = ScanConfig{
		PollInterval:    p.duration("SCAN_POLL_INTERVAL", "2s"),
		MaxDuration:     p.duration("SCAN_MAX_DURATION", "6h"),
		MaxPollFailures: p.integer("SCAN_MAX_POLL_FAILURES", "10"),
	}

	// Probe configuration
	config.Probe = ProbeConfig{
		Enabled: p.boolean("PROBE_ENABLED", "true"),
		Timeout: p.duration("PROBE_TIMEOUT", "10s"),
	}

	if p.err != nil {
		return nil, p.err
	}
	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errors []string

	// Database validation
	if err := c.validateDatabase(); err != nil {
		errors = append(errors, fmt.Sprintf("database: %v", err))
	}

	// Scanner validation
	if err := c.validateScanner(); err != nil {
		errors = append(errors, fmt.Sprintf("scanner: %v", err))
	}

	// Application validation
	if err := c.validateApp(); err != nil {
		errors = append(errors, fmt.Sprintf("application: %v", err))
	}

	// HTTP validation
	if err := c.validateHTTP(); err != nil {
		errors = append(errors, fmt.Sprintf("HTTP: %v", err))
	}

	// Server validation
	if err := c.validateServer(); err != nil {
		errors = append(errors, fmt.Sprintf("server: %v", err))
	}

	// Scan validation
	if err := c.validateScan(); err != nil {
		errors = append(errors, fmt.Sprintf("scan: %v", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// validateDatabase validates database configuration
func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case StorageDriverMemory:
		return nil
	case StorageDriverPostgres:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be one of: %s, %s", StorageDriverPostgres, StorageDriverMemory)
	}

	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}

	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535")
	}

	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}

	// Validate SSL mode
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !oneOf(c.Database.SSLMode, validSSLModes) {
		return fmt.Errorf("DB_SSL_MODE must be one of: %s", strings.Join(validSSLModes, ", "))
	}

	// Validate SSL certificates if using verify-full
	if c.Database.SSLMode == "verify-full" {
		if c.Database.SSLCert == "" {
			return fmt.Errorf("DB_SSL_CERT is required when DB_SSL_MODE is verify-full")
		}
		if c.Database.SSLKey == "" {
			return fmt.Errorf("DB_SSL_KEY is required when DB_SSL_MODE is verify-full")
		}
		if c.Database.SSLRootCert == "" {
			return fmt.Errorf("DB_SSL_ROOT_CERT is required when DB_SSL_MODE is verify-full")
		}

		// Check if SSL certificate files exist
		for _, file := range []string{c.Database.SSLCert, c.Database.SSLKey, c.Database.SSLRootCert} {
			if _, err := os.Stat(file); os.IsNotExist(err) {
				return fmt.Errorf("SSL file does not exist: %s", file)
			}
		}
	}

	// Validate connection pool settings
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be greater than 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must be greater than 0")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}
	if c.Database.ConnMaxLifetime <= 0 {
		return fmt.Errorf("DB_CONN_MAX_LIFETIME must be greater than 0")
	}
	if c.Database.ConnectTimeout <= 0 {
		return fmt.Errorf("DB_CONNECT_TIMEOUT must be greater than 0")
	}

	return nil
}

// validateScanner validates Scanner configuration
func (c *Config) validateScanner() error {
	if c.Scanner.URL == "" {
		return fmt.Errorf("SCANNER_URL is required")
	}
	if !strings.HasPrefix(c.Scanner.URL, "http://") && !strings.HasPrefix(c.Scanner.URL, "https://") {
		return fmt.Errorf("SCANNER_URL must be an http(s) URL")
	}
	if c.Scanner.RateLimit < 0 {
		return fmt.Errorf("SCANNER_RATE_LIMIT cannot be negative")
	}
	if c.Scanner.ReportDir == "" {
		return fmt.Errorf("SCANNER_REPORT_DIR is required")
	}
	if c.Scanner.MaxChildren <= 0 {
		return fmt.Errorf("SCANNER_MAX_CHILDREN must be greater than 0")
	}
	if c.Scanner.AJAXMaxDuration <= 0 {
		return fmt.Errorf("SCANNER_AJAX_MAX_DURATION must be greater than 0")
	}
	if c.Scanner.BreakerFailures <= 0 {
		return fmt.Errorf("SCANNER_BREAKER_FAILURES must be greater than 0")
	}
	if c.Scanner.BreakerRecovery <= 0 {
		return fmt.Errorf("SCANNER_BREAKER_RECOVERY must be greater than 0")
	}

	return nil
}

// validateApp validates application configuration
func (c *Config) validateApp() error {
	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !oneOf(c.App.LogLevel, validLogLevels) {
		return fmt.Errorf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", "))
	}

	validLogFormats := []string{"json", "text"}
	if !oneOf(c.App.LogFormat, validLogFormats) {
		return fmt.Errorf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", "))
	}

	if c.App.LogFile != "" && (c.App.LogMaxSizeMB <= 0 || c.App.LogMaxBackups < 0 || c.App.LogMaxAgeDays < 0) {
		return fmt.Errorf("LOG_MAX_SIZE_MB must be greater than 0 and LOG_MAX_BACKUPS/LOG_MAX_AGE_DAYS cannot be negative")
	}

	// Validate environment
	validEnvironments := []string{"development", "staging", "production", "test"}
	if !oneOf(c.App.Environment, validEnvironments) {
		return fmt.Errorf("ENVIRONMENT must be one of: %s", strings.Join(validEnvironments, ", "))
	}

	if c.App.TiersFile != "" {
		if _, err := os.Stat(c.App.TiersFile); err != nil {
			return fmt.Errorf("TIERS_FILE is not readable: %w", err)
		}
	}

	// Validate reconcile schedule
	if c.App.ReconcileSchedule == "" {
		return fmt.Errorf("RECONCILE_SCHEDULE is required")
	}
	if _, err := ScheduleParser.Parse(c.App.ReconcileSchedule); err != nil {
		return fmt.Errorf("RECONCILE_SCHEDULE is invalid: %w", err)
	}

	return nil
}

// validateHTTP validates HTTP configuration
func (c *Config) validateHTTP() error {
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be greater than 0")
	}
	if c.HTTP.RetryAttempts < 0 || c.HTTP.RetryAttempts > 10 {
		return fmt.Errorf("HTTP_RETRY_ATTEMPTS must be between 0 and 10")
	}
	if c.HTTP.RetryDelay <= 0 {
		return fmt.Errorf("HTTP_RETRY_DELAY must be greater than 0")
	}

	return nil
}

// validateServer validates API server configuration
func (c *Config) validateServer() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("SERVER_ADDR is required")
	}
	if len(c.Server.CORSOrigins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("SERVER_REQUEST_TIMEOUT must be greater than 0")
	}
	if c.Server.SSEHeartbeat <= 0 {
		return fmt.Errorf("SSE_HEARTBEAT must be greater than 0")
	}

	return nil
}

// validateScan validates scan polling configuration
func (c *Config) validateScan() error {
	if c.Scan.PollInterval <= 0 {
		return fmt.Errorf("SCAN_POLL_INTERVAL must be greater than 0")
	}
	if c.Scan.MaxDuration <= c.Scan.PollInterval {
		return fmt.Errorf("SCAN_MAX_DURATION must be greater than SCAN_POLL_INTERVAL")
	}
	if c.Scan.MaxPollFailures <= 0 {
		return fmt.Errorf("SCAN_MAX_POLL_FAILURES must be greater than 0")
	}
	if c.Probe.Enabled && c.Probe.Timeout <= 0 {
		return fmt.Errorf("PROBE_TIMEOUT must be greater than 0")
	}

	return nil
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		c.Database.Host, c.Database.Port, c.Database.Name, c.Database.User, c.Database.Password,
		c.Database.SSLMode, int(c.Database.ConnectTimeout.Seconds()))

	// Add SSL certificate parameters if provided
	if c.Database.SSLCert != "" {
		dsn += fmt.Sprintf(" sslcert=%s", c.Database.SSLCert)
	}
	if c.Database.SSLKey != "" {
		dsn += fmt.Sprintf(" sslkey=%s", c.Database.SSLKey)
	}
	if c.Database.SSLRootCert != "" {
		dsn += fmt.Sprintf(" sslrootcert=%s", c.Database.SSLRootCert)
	}

	return dsn
}

// ScheduleParser parses six-field cron expressions (with seconds)
var ScheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parser keeps the first conversion error so Load can report it
type parser struct {
	err error
}

func (p *parser) integer(key, defaultValue string) int {
	v, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) duration(key, defaultValue string) time.Duration {
	v, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) boolean(key, defaultValue string) bool {
	v, err := strconv.ParseBool(getEnv(key, defaultValue))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func oneOf(value string, valid []string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	return false
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
