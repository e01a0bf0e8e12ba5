// Package config loads and validates the gateway's YAML configuration.
//
// DESIGN: one Config struct for the whole process, parsed once at startup.
// Values may reference environment variables with ${VAR} or ${VAR:-default};
// expansion happens before the YAML parse so secrets stay out of the file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	APIKeys  []string       `yaml:"api_keys"`
	KeyPool  KeyPoolConfig  `yaml:"key_pool"`
	JWTAuth  *JWTAuthConfig `yaml:"jwt_auth"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig controls the inbound HTTP listener.
type ServerConfig struct {
	Bind         string   `yaml:"bind"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// UpstreamConfig describes the upstream API host.
type UpstreamConfig struct {
	APIBase      string   `yaml:"api_base"`
	Organization string   `yaml:"organization"`
	Timeout      Duration `yaml:"timeout"`
}

// KeyPoolConfig tunes credential health handling.
type KeyPoolConfig struct {
	// DefaultCooldown applies when a 429 carries no Retry-After hint.
	DefaultCooldown Duration `yaml:"default_cooldown"`
}

// JWTAuthConfig enables caller authentication when present.
type JWTAuthConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// StreamTokensPolicy selects how token usage is derived for streamed
// responses, which carry no usage object.
type StreamTokensPolicy string

const (
	StreamTokensSkip     StreamTokensPolicy = "skip"
	StreamTokensReject   StreamTokensPolicy = "reject"
	StreamTokensEstimate StreamTokensPolicy = "estimate"
)

// Overflow policies for a full audit queue.
const (
	OverflowDrop  = "drop"
	OverflowBlock = "block"
)

// AuditConfig controls the asynchronous audit pipeline.
type AuditConfig struct {
	Backend        string             `yaml:"backend"` // file | sqlite
	File           string             `yaml:"file"`
	SQLitePath     string             `yaml:"sqlite_path"`
	QueueSize      int                `yaml:"queue_size"`
	OverflowPolicy string             `yaml:"overflow_policy"` // drop | block
	EnqueueTimeout Duration           `yaml:"enqueue_timeout"`
	BatchSize      int                `yaml:"batch_size"`
	FlushInterval  Duration           `yaml:"flush_interval"`
	WriteRetries   int                `yaml:"write_retries"`
	LogRequestBody bool               `yaml:"log_request_body"`
	RedactFields   []string           `yaml:"redact_fields"`
	StreamTokens   StreamTokensPolicy `yaml:"stream_tokens"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads, expands, parses, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses config bytes. Exposed for tests.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Bind == "" {
		c.Server.Bind = DefaultBind
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(DefaultServerReadTimeout)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(DefaultServerWriteTimeout)
	}
	if c.Upstream.APIBase == "" {
		c.Upstream.APIBase = DefaultAPIBase
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = Duration(DefaultUpstreamTimeout)
	}
	if c.KeyPool.DefaultCooldown == 0 {
		c.KeyPool.DefaultCooldown = Duration(DefaultKeyCooldown)
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "file"
	}
	if c.Audit.File == "" {
		c.Audit.File = DefaultAuditFile
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = DefaultAuditQueueSize
	}
	if c.Audit.OverflowPolicy == "" {
		c.Audit.OverflowPolicy = OverflowDrop
	}
	if c.Audit.EnqueueTimeout == 0 {
		c.Audit.EnqueueTimeout = Duration(DefaultAuditEnqueueTimeout)
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = DefaultAuditBatchSize
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = Duration(DefaultAuditFlushInterval)
	}
	if c.Audit.WriteRetries == 0 {
		c.Audit.WriteRetries = DefaultAuditWriteRetries
	}
	if c.Audit.StreamTokens == "" {
		c.Audit.StreamTokens = StreamTokensEstimate
	}
}

func (c *Config) validate() error {
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("config: api_keys must list at least one upstream key")
	}
	for i, k := range c.APIKeys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("config: api_keys[%d] is empty", i)
		}
	}
	switch c.Audit.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.Audit.Backend)
	}
	switch c.Audit.OverflowPolicy {
	case OverflowDrop, OverflowBlock:
	default:
		return fmt.Errorf("config: unknown audit overflow_policy %q", c.Audit.OverflowPolicy)
	}
	switch c.Audit.StreamTokens {
	case StreamTokensSkip, StreamTokensReject, StreamTokensEstimate:
	default:
		return fmt.Errorf("config: unknown audit stream_tokens policy %q", c.Audit.StreamTokens)
	}
	if c.Audit.Backend == "sqlite" && c.Audit.SQLitePath == "" {
		return fmt.Errorf("config: audit backend sqlite requires sqlite_path")
	}
	if c.JWTAuth != nil && strings.TrimSpace(c.JWTAuth.Secret) == "" {
		return fmt.Errorf("config: jwt_auth.secret must not be empty")
	}
	return nil
}
