// Package config loads and validates the cardrelay YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Group methods accepted by accounts[].group_method.
const (
	GroupMethodCategories  = "categories"
	GroupMethodGroupVCards = "group-vcards"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// PollInterval controls how often every account is synced.
	// Minimum 1m, maximum 24h. Defaults to 15m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Accounts lists the CardDAV accounts to sync.
	Accounts []Account `yaml:"accounts"`

	// Client tunes the CardDAV HTTP client.
	Client ClientConfig `yaml:"client,omitempty"`

	// StateDB and ContactsDB override the database locations.
	StateDB    string `yaml:"state_db,omitempty"`
	ContactsDB string `yaml:"contacts_db,omitempty"`

	// LogFile additionally writes logs to a size-rotated file.
	LogFile *LogFileConfig `yaml:"log_file,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// Account is one CardDAV account.
type Account struct {
	// Name identifies the account locally. Must be unique.
	Name string `yaml:"name"`

	// URL is the server or principal URL (e.g. "https://dav.example.com/").
	URL string `yaml:"url"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// GroupMethod is "group-vcards" (one vCard per group, the default) or
	// "categories" (groups stored as CATEGORIES on each contact).
	GroupMethod string `yaml:"group_method,omitempty"`

	// SyncNewCollections enables sync for address books that appear on the
	// server after the first discovery.
	SyncNewCollections bool `yaml:"sync_new_collections,omitempty"`
}

// ClientConfig holds HTTP client settings shared by all accounts.
type ClientConfig struct {
	// Timeout bounds a single HTTP request. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// UserAgent overrides the User-Agent header.
	UserAgent string `yaml:"user_agent,omitempty"`

	// RequestsPerSecond limits outgoing requests per account. 0 = unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`

	// JCard prefers application/vcard+json when the server supports it.
	JCard bool `yaml:"jcard,omitempty"`

	// MaxRetries caps retries of a failed sync. Defaults to 5.
	MaxRetries *int `yaml:"max_retries,omitempty"`
}

// Retries returns the configured retry cap.
func (c ClientConfig) Retries() int {
	if c.MaxRetries == nil {
		return 5
	}
	return *c.MaxRetries
}

// LogFileConfig configures log file rotation.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "cardrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/cardrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "cardrelay", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates the configuration and stores it at path with mode 0600,
// creating parent directories as needed.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// Account returns the account with the given name.
func (c *Config) Account(name string) (*Account, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// AccountNames returns the names of all accounts in file order.
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i, a := range c.Accounts {
		names[i] = a.Name
	}
	return names
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.PollInterval == 0 {
		c.PollInterval = 15 * time.Minute
	}
	if c.PollInterval < time.Minute {
		return fmt.Errorf("poll_interval %v is too short (minimum 1m)", c.PollInterval)
	}
	if c.PollInterval > 24*time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 24h)", c.PollInterval)
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Name == "" {
			return fmt.Errorf("accounts[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate account name %q", a.Name)
		}
		seen[a.Name] = true

		u, err := url.ParseRequestURI(a.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("account %q: url %q must be a valid http or https URL", a.Name, a.URL)
		}

		switch a.GroupMethod {
		case "":
			a.GroupMethod = GroupMethodGroupVCards
		case GroupMethodCategories, GroupMethodGroupVCards:
		default:
			return fmt.Errorf("account %q: group_method %q must be %q or %q",
				a.Name, a.GroupMethod, GroupMethodCategories, GroupMethodGroupVCards)
		}
	}

	if c.Client.Timeout == 0 {
		c.Client.Timeout = 30 * time.Second
	}
	if c.Client.Timeout < 0 {
		return fmt.Errorf("client.timeout must be positive")
	}
	if c.Client.RequestsPerSecond < 0 {
		return fmt.Errorf("client.requests_per_second must not be negative")
	}
	if c.Client.MaxRetries != nil && *c.Client.MaxRetries < 0 {
		return fmt.Errorf("client.max_retries must not be negative")
	}

	if c.LogFile != nil {
		if c.LogFile.Path == "" {
			return fmt.Errorf("log_file.path is required when log_file is configured")
		}
		if c.LogFile.MaxSizeMB == 0 {
			c.LogFile.MaxSizeMB = 10
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
