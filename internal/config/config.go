// Package config provides configuration loading for remedyd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
)

// Config is the root configuration for the daemon.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	NATS        NATSConfig        `koanf:"nats"`
	Graph       GraphConfig       `koanf:"graph"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Generator   GeneratorConfig   `koanf:"generator"`
	Approval    ApprovalConfig    `koanf:"approval"`
	Engine      EngineConfig      `koanf:"engine"`
	Telemetry   telemetry.Config  `koanf:"telemetry"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// NATSConfig configures event broadcasting. Disabled leaves the daemon fully
// functional with polling-only approval waits.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// GraphConfig configures knowledge graph persistence.
type GraphConfig struct {
	// SnapshotPath is where the JSON snapshot lives.
	SnapshotPath string `koanf:"snapshot_path"`
}

// VectorStoreConfig configures the embedded similarity index.
type VectorStoreConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
}

// EmbeddingsConfig configures embedding generation. Provider "hash" selects
// the deterministic offline embedder; "openai" uses an OpenAI-compatible API
// (including local TEI servers).
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"api_key"`
}

// GeneratorConfig configures the fix generator and its optional generative
// backend. With Backend disabled every proposal comes from the fallback rule
// table.
type GeneratorConfig struct {
	BackendEnabled bool          `koanf:"backend_enabled"`
	BaseURL        string        `koanf:"base_url"`
	Model          string        `koanf:"model"`
	APIKey         string        `koanf:"api_key"`
	Temperature    float64       `koanf:"temperature"`
	Timeout        time.Duration `koanf:"timeout"`
	ContextLimit   int           `koanf:"context_limit"`
}

// ApprovalConfig configures the approval queue's review windows.
type ApprovalConfig struct {
	ReviewTTLLow    time.Duration `koanf:"review_ttl_low"`
	ReviewTTLMedium time.Duration `koanf:"review_ttl_medium"`
	ReviewTTLHigh   time.Duration `koanf:"review_ttl_high"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
}

// EngineConfig configures run orchestration.
type EngineConfig struct {
	PollInterval    time.Duration `koanf:"poll_interval"`
	ApprovalTimeout time.Duration `koanf:"approval_timeout"`
	SettleDelay     time.Duration `koanf:"settle_delay"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8985
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}

	if cfg.Graph.SnapshotPath == "" {
		cfg.Graph.SnapshotPath = "~/.local/share/remedyd/graph.json"
	}

	if cfg.VectorStore.Path == "" {
		cfg.VectorStore.Path = "~/.local/share/remedyd/vectorstore"
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "remedyd_fixes"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "hash"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Generator.Temperature == 0 {
		cfg.Generator.Temperature = 0.2
	}
	if cfg.Generator.Timeout == 0 {
		cfg.Generator.Timeout = 30 * time.Second
	}
	if cfg.Generator.ContextLimit == 0 {
		cfg.Generator.ContextLimit = 5
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = "gpt-4o-mini"
	}

	if cfg.Approval.ReviewTTLLow == 0 {
		cfg.Approval.ReviewTTLLow = 15 * time.Minute
	}
	if cfg.Approval.ReviewTTLMedium == 0 {
		cfg.Approval.ReviewTTLMedium = 30 * time.Minute
	}
	if cfg.Approval.ReviewTTLHigh == 0 {
		cfg.Approval.ReviewTTLHigh = 60 * time.Minute
	}
	if cfg.Approval.SweepInterval == 0 {
		cfg.Approval.SweepInterval = 30 * time.Second
	}

	if cfg.Engine.PollInterval == 0 {
		cfg.Engine.PollInterval = 5 * time.Second
	}
	if cfg.Engine.ApprovalTimeout == 0 {
		cfg.Engine.ApprovalTimeout = 300 * time.Second
	}
	if cfg.Engine.SettleDelay == 0 {
		cfg.Engine.SettleDelay = 10 * time.Second
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = 30 * time.Second
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "remedyd"
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	switch c.Embeddings.Provider {
	case "hash", "openai":
	default:
		return fmt.Errorf("invalid embeddings provider: %q", c.Embeddings.Provider)
	}

	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 {
		return fmt.Errorf("invalid generator temperature: %v", c.Generator.Temperature)
	}

	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine poll_interval must be positive")
	}
	if c.Engine.ApprovalTimeout < c.Engine.PollInterval {
		return fmt.Errorf("engine approval_timeout must be at least the poll_interval")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}
