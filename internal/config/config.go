// Package config provides configuration loading and management for the
// roster sync server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/classcloud/roster-sync-server/internal/telemetry"
)

const (
	// defaultServerAddress is the listen address used when none is configured
	defaultServerAddress = ":8080"

	// defaultLockTTLInterval bounds a crashed holder's lock when the config
	// does not override it
	defaultLockTTLInterval = time.Hour

	// defaultPollingInterval is the coordinator's schedule polling interval
	defaultPollingInterval = 2 * time.Minute
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Server      *ServerConfig      `yaml:"server,omitempty"`
	Source      *SourceConfig      `yaml:"source"`
	Database    *DatabaseConfig    `yaml:"database"`
	Sync        *SyncConfig        `yaml:"sync,omitempty"`
	Coordinator *CoordinatorConfig `yaml:"coordinator,omitempty"`
	Telemetry   *telemetry.Config  `yaml:"telemetry,omitempty"`
}

// ServerConfig defines the HTTP server settings
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`
}

// SourceConfig defines the source-of-record API connection settings
type SourceConfig struct {
	// BaseURL is the root of the source API, e.g. "https://api.example.com"
	BaseURL string `yaml:"baseUrl"`

	// TokenURL is the OAuth2 client-credentials token endpoint
	TokenURL string `yaml:"tokenUrl"`

	// ClientID is the OAuth2 client identifier
	ClientID string `yaml:"clientId"`

	// ClientSecretFile is the path to a file containing the OAuth2 client
	// secret. This is the recommended approach for production deployments.
	ClientSecretFile string `yaml:"clientSecretFile,omitempty"`

	// Scopes are the OAuth2 scopes requested with each token
	Scopes []string `yaml:"scopes,omitempty"`

	// PageSize is the page size requested from paginated endpoints
	PageSize int `yaml:"pageSize,omitempty"`
}

// SyncConfig defines sync engine settings
type SyncConfig struct {
	// FanOut caps how many schools sync concurrently within one run
	FanOut int `yaml:"fanOut,omitempty"`

	// LockTTL is the sync lock time-to-live (e.g. "1h", "30m")
	LockTTL string `yaml:"lockTtl,omitempty"`
}

// CoordinatorConfig defines background scheduling settings
type CoordinatorConfig struct {
	// Enabled turns the background schedule polling loop on
	Enabled bool `yaml:"enabled"`

	// PollingInterval is the base schedule polling interval (e.g. "2m")
	PollingInterval string `yaml:"pollingInterval,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing
	// whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of open connections in the pool
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from ROSTER_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("ROSTER_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or ROSTER_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special characters
// safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetClientSecret returns the source API client secret using the following
// priority:
// 1. Read from ClientSecretFile if specified
// 2. Read from ROSTER_SOURCE_CLIENT_SECRET environment variable
func (s *SourceConfig) GetClientSecret() (string, error) {
	if s.ClientSecretFile != "" {
		cleanPath := filepath.Clean(s.ClientSecretFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read client secret from file %s: %w", s.ClientSecretFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envSecret := os.Getenv("ROSTER_SOURCE_CLIENT_SECRET"); envSecret != "" {
		return envSecret, nil
	}

	return "", fmt.Errorf(
		"no client secret configured: set clientSecretFile or ROSTER_SOURCE_CLIENT_SECRET environment variable",
	)
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other way to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetServerAddress returns the configured listen address, defaulting to :8080
func (c *Config) GetServerAddress() string {
	if c.Server == nil || c.Server.Address == "" {
		return defaultServerAddress
	}
	return c.Server.Address
}

// GetFanOut returns the configured fan-out, or 0 to let the engine default
func (c *Config) GetFanOut() int {
	if c.Sync == nil {
		return 0
	}
	return c.Sync.FanOut
}

// GetLockTTL returns the configured lock TTL, defaulting to one hour
func (c *Config) GetLockTTL() time.Duration {
	if c.Sync == nil || c.Sync.LockTTL == "" {
		return defaultLockTTLInterval
	}
	ttl, err := time.ParseDuration(c.Sync.LockTTL)
	if err != nil || ttl <= 0 {
		return defaultLockTTLInterval
	}
	return ttl
}

// CoordinatorEnabled reports whether the background scheduling loop runs
func (c *Config) CoordinatorEnabled() bool {
	return c.Coordinator != nil && c.Coordinator.Enabled
}

// GetPollingInterval returns the coordinator polling interval, defaulting to
// two minutes
func (c *Config) GetPollingInterval() time.Duration {
	if c.Coordinator == nil || c.Coordinator.PollingInterval == "" {
		return defaultPollingInterval
	}
	interval, err := time.ParseDuration(c.Coordinator.PollingInterval)
	if err != nil || interval <= 0 {
		return defaultPollingInterval
	}
	return interval
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateSourceConfig(c.Source); err != nil {
		return err
	}
	if err := validateDatabaseConfig(c.Database); err != nil {
		return err
	}
	if err := validateSyncConfig(c.Sync); err != nil {
		return err
	}
	if err := validateCoordinatorConfig(c.Coordinator); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// validateSourceConfig validates the source API settings
func validateSourceConfig(src *SourceConfig) error {
	if src == nil {
		return fmt.Errorf("source configuration is required")
	}
	if src.BaseURL == "" {
		return fmt.Errorf("source.baseUrl is required")
	}
	if _, err := url.ParseRequestURI(src.BaseURL); err != nil {
		return fmt.Errorf("source.baseUrl must be a valid URL: %w", err)
	}
	if src.TokenURL == "" {
		return fmt.Errorf("source.tokenUrl is required")
	}
	if _, err := url.ParseRequestURI(src.TokenURL); err != nil {
		return fmt.Errorf("source.tokenUrl must be a valid URL: %w", err)
	}
	if src.ClientID == "" {
		return fmt.Errorf("source.clientId is required")
	}
	if src.PageSize < 0 {
		return fmt.Errorf("source.pageSize must not be negative")
	}
	return nil
}

// validateDatabaseConfig validates the database settings
func validateDatabaseConfig(db *DatabaseConfig) error {
	if db == nil {
		return fmt.Errorf("database configuration is required")
	}
	if db.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if db.Port <= 0 || db.Port > 65535 {
		return fmt.Errorf("database.port must be between 1 and 65535, got %d", db.Port)
	}
	if db.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if db.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if db.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(db.ConnMaxLifetime); err != nil {
			return fmt.Errorf("database.connMaxLifetime must be a valid duration (e.g., '30m', '1h'): %w", err)
		}
	}
	return nil
}

// validateSyncConfig validates the sync engine settings
func validateSyncConfig(sc *SyncConfig) error {
	if sc == nil {
		return nil
	}
	if sc.FanOut < 0 {
		return fmt.Errorf("sync.fanOut must not be negative")
	}
	if sc.LockTTL != "" {
		if _, err := time.ParseDuration(sc.LockTTL); err != nil {
			return fmt.Errorf("sync.lockTtl must be a valid duration (e.g., '30m', '1h'): %w", err)
		}
	}
	return nil
}

// validateCoordinatorConfig validates the scheduling settings
func validateCoordinatorConfig(cc *CoordinatorConfig) error {
	if cc == nil || cc.PollingInterval == "" {
		return nil
	}
	if _, err := time.ParseDuration(cc.PollingInterval); err != nil {
		return fmt.Errorf("coordinator.pollingInterval must be a valid duration (e.g., '2m'): %w", err)
	}
	return nil
}
