// Package config loads the storefront client configuration from a YAML file,
// .env files and STOREFRONT_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/storefront/pkg/telemetry"
)

// DefaultFile is the config file looked up when no path is given.
const DefaultFile = "storefront.yaml"

// Config is the complete client configuration.
type Config struct {
	// DataDir holds the database and the session token.
	DataDir string `yaml:"data_dir" validate:"required"`

	API       APIConfig        `yaml:"api"`
	Payments  PaymentsConfig   `yaml:"payments"`
	Install   InstallConfig    `yaml:"install"`
	Database  DatabaseConfig   `yaml:"database"`
	Server    ServerConfig     `yaml:"server"`
	Policies  PoliciesConfig   `yaml:"policies"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// APIConfig configures the storefront API client.
type APIConfig struct {
	BaseURL   string            `yaml:"base_url" validate:"required,url"`
	Endpoints map[string]string `yaml:"endpoints,omitempty"`
	Timeout   time.Duration     `yaml:"timeout" validate:"gte=0"`

	// RateLimit is in requests per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// PaymentsConfig configures the purchase flow.
type PaymentsConfig struct {
	// Simulate skips real payments. Reloaded on file change.
	Simulate bool `yaml:"simulate"`

	// ProviderURL is the payment processor endpoint. Empty means the
	// device has no payment provider.
	ProviderURL string `yaml:"provider_url" validate:"omitempty,url"`

	PollInterval   time.Duration `yaml:"poll_interval" validate:"gte=0"`
	Deadline       time.Duration `yaml:"deadline" validate:"gte=0"`
	SimulatedDelay time.Duration `yaml:"simulated_delay" validate:"gte=0"`
}

// InstallConfig configures install attempts.
type InstallConfig struct {
	DedupeAttempts bool          `yaml:"dedupe_attempts"`
	Watchdog       time.Duration `yaml:"watchdog" validate:"gte=0"`
	MaxRestarts    int           `yaml:"max_restarts" validate:"gte=1"`
	Chromeless     bool          `yaml:"chromeless"`

	// Guidance maps a platform (GOOS) to the message shown after a
	// successful install. Reloaded on file change.
	Guidance map[string]string `yaml:"guidance,omitempty"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path defaults to storefront.db under DataDir.
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// ServerConfig configures the local HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// PoliciesConfig configures the install eligibility policies.
type PoliciesConfig struct {
	Paths []string `yaml:"paths,omitempty"`

	// Bundles are JSON policy bundle files.
	Bundles []string `yaml:"bundles,omitempty"`

	// Disabled names policies, built-in or custom, that are not evaluated.
	Disabled []string `yaml:"disabled,omitempty"`

	Watch                  bool `yaml:"watch"`
	AllowInsecureManifests bool `yaml:"allow_insecure_manifests"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		API: APIConfig{
			BaseURL:   "https://marketplace.example.com",
			Timeout:   30 * time.Second,
			RateLimit: 10,
			Burst:     5,
		},
		Payments: PaymentsConfig{
			PollInterval:   3 * time.Second,
			Deadline:       60 * time.Second,
			SimulatedDelay: 3 * time.Second,
		},
		Install: InstallConfig{
			Watchdog:    30 * time.Second,
			MaxRestarts: 3,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path on top of the defaults and applies
// environment overrides. An empty path loads DefaultFile when it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "storefront.db")
}

// SessionPath returns where the login token is persisted.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataDir, "session.jwt")
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
