package telemetry

import (
	"fmt"
	"strings"
)

const (
	// DefaultServiceName identifies the service in exported telemetry
	DefaultServiceName = "roster-sync-server"

	// DefaultEndpoint is the default OTLP collector endpoint
	DefaultEndpoint = "localhost:4318"
)

// Config represents the telemetry configuration
type Config struct {
	// Enabled controls whether metrics export is enabled. When false, every
	// instrument is a no-op.
	Enabled bool `yaml:"enabled"`

	// ServiceName is the service name attached to exported metrics.
	// Defaults to "roster-sync-server" if not specified.
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion is the service version attached to exported metrics
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP collector endpoint in "host:port" form; metrics
	// are shipped over HTTP to its /v1/metrics path
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows HTTP connections instead of HTTPS. Should only be
	// true for development/testing environments.
	Insecure bool `yaml:"insecure,omitempty"`
}

// GetServiceName returns the service name, using the default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not
// specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using the default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil // disabled telemetry needs no further validation
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must be host:port without a scheme, got %q", c.Endpoint)
	}
	return nil
}
