// ABOUTME: Configuration loading and parsing for parley
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Services ServicesConfig `yaml:"services"`
	Polling  PollingConfig  `yaml:"polling"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// DefaultUserID is the owner assigned to turns submitted without a
	// session. Conversation listing and deletion still require a real user.
	DefaultUserID string `yaml:"default_user_id"`
}

// ServicesConfig holds the external agent service endpoints
type ServicesConfig struct {
	TranslateURL  string `yaml:"translate_url"`
	SpellcheckURL string `yaml:"spellcheck_url"`
	ReportURL     string `yaml:"report_url"`
	DocChatURL    string `yaml:"doc_chat_url"`
	OCRURL        string `yaml:"ocr_url"`
	DocUploadURL  string `yaml:"doc_upload_url"`
	STTSubmitURL  string `yaml:"stt_submit_url"`
	STTResultURL  string `yaml:"stt_result_url"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// PollingConfig controls the async job poller cadence and budget
type PollingConfig struct {
	Interval    time.Duration `yaml:"-"`
	IntervalRaw string        `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// CatalogConfig points at the agent catalog seed file
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values the config file may omit.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Auth.DefaultUserID == "" {
		c.Auth.DefaultUserID = "1"
	}
	if c.Services.RequestTimeout == 0 {
		c.Services.RequestTimeout = 120 * time.Second
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 3 * time.Second
	}
	if c.Polling.MaxAttempts == 0 {
		c.Polling.MaxAttempts = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Polling.Interval < 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	if c.Polling.MaxAttempts < 1 {
		return fmt.Errorf("polling.max_attempts must be at least 1")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Polling.IntervalRaw != "" {
		cfg.Polling.Interval, err = time.ParseDuration(cfg.Polling.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing polling.interval %q: %w", cfg.Polling.IntervalRaw, err)
		}
	}

	if cfg.Services.RequestTimeoutRaw != "" {
		cfg.Services.RequestTimeout, err = time.ParseDuration(cfg.Services.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing services.request_timeout %q: %w", cfg.Services.RequestTimeoutRaw, err)
		}
	}

	return nil
}
