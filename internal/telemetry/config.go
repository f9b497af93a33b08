package telemetry

import (
	"fmt"
	"time"
)

// Config controls OTLP export of traces and metrics.
type Config struct {
	// Enabled turns exporting on. When false every Tracer and Meter is a
	// no-op and no network connections are made.
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP collector address (host:port).
	Endpoint string `koanf:"endpoint"`

	// Protocol selects the exporter transport: "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `koanf:"insecure"`

	// SampleRate is the trace sampling ratio in [0, 1]. 1 samples every
	// span; 0 samples none.
	SampleRate float64 `koanf:"sample_rate"`

	// MetricInterval is the periodic reader's export interval.
	MetricInterval time.Duration `koanf:"metric_interval"`

	// ServiceName and ServiceVersion identify the service in the resource.
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
}

// DefaultConfig returns a disabled config with sensible export settings.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		Insecure:       true,
		SampleRate:     1.0,
		MetricInterval: 30 * time.Second,
		ServiceName:    "remedyd",
		ServiceVersion: "dev",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint required when telemetry is enabled")
	}
	switch c.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("unknown protocol %q", c.Protocol)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be in [0, 1], got %v", c.SampleRate)
	}
	return nil
}
