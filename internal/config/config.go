// Package config loads the pipeline configuration from YAML with environment
// expansion. Configuration is a read-only value constructed at startup and
// passed by reference to components; nothing here mutates after Load.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "250ms"
// or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Blobs     BlobConfig      `yaml:"blobs"`
	Model     ModelConfig     `yaml:"model"`
	Validator ValidatorConfig `yaml:"validator"`
	Retry     RetryConfig     `yaml:"retry"`
	Server    ServerConfig    `yaml:"server"`
	Workers   WorkerConfig    `yaml:"workers"`
	Audit     AuditConfig     `yaml:"audit"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StoreConfig configures the sqlite artifact store.
type StoreConfig struct {
	Path string `yaml:"path"` // ":memory:" or a file path
}

// BlobConfig configures the object store.
type BlobConfig struct {
	Backend   string `yaml:"backend"` // "fs" or "memory"
	Directory string `yaml:"directory"`
}

// ModelConfig configures the generation model endpoint.
type ModelConfig struct {
	Mode           string   `yaml:"mode"` // "http", "deterministic"
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key,omitempty"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// ValidatorConfig holds content validation thresholds.
type ValidatorConfig struct {
	MinMeaningful      int      `yaml:"min_meaningful"`
	MinLength          int      `yaml:"min_length"`
	MaxLength          int      `yaml:"max_length"`
	MaxRepetitionRatio float64  `yaml:"max_repetition_ratio"`
	MinUniqueWords     int      `yaml:"min_unique_words"`
	CustomPatterns     []string `yaml:"custom_patterns,omitempty"`
}

// RetryConfig holds the section generation retry policy.
type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	BackoffCap int `yaml:"backoff_cap_seconds"`
}

// ServerConfig configures the HTTP edge.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// WorkerConfig configures the job worker pool.
type WorkerConfig struct {
	Count        int      `yaml:"count"`
	PollInterval Duration `yaml:"poll_interval"`
	StuckTimeout Duration `yaml:"stuck_timeout"` // running jobs older than this are re-queued
}

// AuditConfig configures audit event publication.
type AuditConfig struct {
	NATSURL string `yaml:"nats_url,omitempty"` // empty disables publication
	Subject string `yaml:"subject,omitempty"`
}

// WatcherConfig configures the template inbox watcher.
type WatcherConfig struct {
	Enabled bool   `yaml:"enabled"`
	Inbox   string `yaml:"inbox"`
}

// MetricsConfig configures the Prometheus recorder.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads the configuration file, expands environment variables and
// applies defaults.
func Load(configPath string) (*Config, error) {
	// Load .env file if present; absence is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration suitable for local runs and tests.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "docgen.db"
	}
	if c.Blobs.Backend == "" {
		c.Blobs.Backend = "fs"
	}
	if c.Blobs.Directory == "" {
		c.Blobs.Directory = "./blobs"
	}
	if c.Model.Mode == "" {
		c.Model.Mode = "deterministic"
	}
	if c.Model.RequestTimeout <= 0 {
		c.Model.RequestTimeout = Duration(60 * time.Second)
	}
	if c.Validator.MinMeaningful <= 0 {
		c.Validator.MinMeaningful = 10
	}
	if c.Validator.MinLength <= 0 {
		c.Validator.MinLength = 50
	}
	if c.Validator.MaxLength <= 0 {
		c.Validator.MaxLength = 10000
	}
	if c.Validator.MaxRepetitionRatio <= 0 {
		c.Validator.MaxRepetitionRatio = 0.4
	}
	if c.Validator.MinUniqueWords <= 0 {
		c.Validator.MinUniqueWords = 3
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BackoffCap <= 0 {
		c.Retry.BackoffCap = 16
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Workers.Count <= 0 {
		c.Workers.Count = 2
	}
	if c.Workers.PollInterval <= 0 {
		c.Workers.PollInterval = Duration(time.Second)
	}
	if c.Workers.StuckTimeout <= 0 {
		c.Workers.StuckTimeout = Duration(10 * time.Minute)
	}
	if c.Audit.Subject == "" {
		c.Audit.Subject = "docgen.audit"
	}
	if c.Watcher.Inbox == "" {
		c.Watcher.Inbox = "./inbox"
	}
	c.Logging.applyDefaults()
}

// Init writes a starter configuration file. Existing files are preserved
// unless force is set.
func Init(configPath string, force bool) error {
	if !force {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
		}
	}
	return os.WriteFile(configPath, []byte(starterConfig), 0o644)
}

const starterConfig = `store:
  path: docgen.db

blobs:
  backend: fs
  directory: ./blobs

model:
  mode: deterministic
  # mode: http
  # endpoint: https://model.example.com/v1/generate
  # api_key: ${MODEL_API_KEY}

validator:
  min_meaningful: 10
  min_length: 50
  max_length: 10000
  max_repetition_ratio: 0.4
  min_unique_words: 3

retry:
  max_retries: 3
  backoff_cap_seconds: 16

server:
  addr: ":8080"

workers:
  count: 2
  poll_interval: 250ms
  stuck_timeout: 10m

audit:
  # nats_url: nats://localhost:4222
  subject: docgen.audit

watcher:
  enabled: false
  inbox: ./inbox

logging:
  level: info
  format: text

metrics:
  enabled: true
`

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Validator.MinLength > c.Validator.MaxLength {
		return fmt.Errorf("validator: min_length %d exceeds max_length %d", c.Validator.MinLength, c.Validator.MaxLength)
	}
	if c.Model.Mode == "http" && c.Model.Endpoint == "" {
		return fmt.Errorf("model: endpoint required for http mode")
	}
	switch c.Blobs.Backend {
	case "fs", "memory":
	default:
		return fmt.Errorf("blobs: unsupported backend %q", c.Blobs.Backend)
	}
	return nil
}
