// Package config loads theapipe's runtime configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// WatchConfig configures the drop-directory and prompts-directory watchers.
type WatchConfig struct {
	DropPath               string   `yaml:"drop_path" env:"DROP_PATH" env-required:"true"`
	PromptsPath            string   `yaml:"prompts_path" env:"PROMPTS_PATH"`
	Blacklist              []string `yaml:"blacklist" env:"WATCH_BLACKLIST"`
	DebounceMilliseconds   int      `yaml:"debounce_ms" env:"WATCH_DEBOUNCE_MS" env-default:"150"`
}

func (w WatchConfig) DebounceDuration() time.Duration {
	return time.Duration(w.DebounceMilliseconds) * time.Millisecond
}

// CatalogConfig configures the Postgres-backed catalog store.
type CatalogConfig struct {
	User     string `yaml:"username" env:"DB_USERNAME" env-required:"true"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-required:"true"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"theapipe"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
}

// ConnectionString builds the libpq connection string consumed by
// internal/catalog's store.
func (c CatalogConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name,
	)
}

// BrokerConfig configures the Redis-backed job queue.
type BrokerConfig struct {
	Host                     string `yaml:"host" env:"BROKER_HOST" env-default:"0.0.0.0"`
	Port                     string `yaml:"port" env:"BROKER_PORT" env-default:"6379"`
	Password                 string `yaml:"password" env:"BROKER_PASSWORD"`
	DB                       int    `yaml:"db" env:"BROKER_DB" env-default:"0"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds" env:"BROKER_VISIBILITY_TIMEOUT_SECONDS" env-default:"600"`
	MaxRetries               int    `yaml:"max_retries" env:"BROKER_MAX_RETRIES" env-default:"3"`
	RetryBackoffSeconds      int    `yaml:"retry_backoff_seconds" env:"BROKER_RETRY_BACKOFF_SECONDS" env-default:"5"`
	SweepIntervalSeconds     int    `yaml:"sweep_interval_seconds" env:"BROKER_SWEEP_INTERVAL_SECONDS" env-default:"15"`
}

func (b BrokerConfig) Addr() string { return fmt.Sprintf("%s:%s", b.Host, b.Port) }

func (b BrokerConfig) VisibilityTimeout() time.Duration {
	return time.Duration(b.VisibilityTimeoutSeconds) * time.Second
}

func (b BrokerConfig) RetryBackoff() time.Duration {
	return time.Duration(b.RetryBackoffSeconds) * time.Second
}

func (b BrokerConfig) SweepInterval() time.Duration {
	return time.Duration(b.SweepIntervalSeconds) * time.Second
}

// WorkerConfig configures the bounded-concurrency worker pool.
type WorkerConfig struct {
	Concurrency              int `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"4"`
	ProcessorTimeoutSeconds  int `yaml:"processor_timeout_seconds" env:"WORKER_PROCESSOR_TIMEOUT_SECONDS" env-default:"1800"`
}

func (w WorkerConfig) ProcessorTimeout() time.Duration {
	return time.Duration(w.ProcessorTimeoutSeconds) * time.Second
}

// ReconcileConfig configures the startup/periodic reconciliation sweep.
type ReconcileConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" env:"RECONCILE_INTERVAL_SECONDS" env-default:"0"`
}

func (r ReconcileConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// APIConfig configures the thin control API surface.
type APIConfig struct {
	BindAddress  string `yaml:"bind_address" env:"API_BIND_ADDRESS" env-default:"0.0.0.0:8080"`
	OperatorToken string `yaml:"operator_token" env:"API_OPERATOR_TOKEN" env-required:"true"`
}

// ProcessorSecrets carries API credentials for external processor backends.
// These are read only from the environment and are never written to the
// catalog or logged.
type ProcessorSecrets struct {
	TranscriptionAPIKey string `env:"PROCESSOR_TRANSCRIPTION_API_KEY"`
	VisionAPIKey        string `env:"PROCESSOR_VISION_API_KEY"`
	SummaryAPIKey       string `env:"PROCESSOR_SUMMARY_API_KEY"`
}

// QueueModeConfig seeds the initial value of the `queue_mode` catalog
// setting; after startup the setting row in the catalog is authoritative
// and this value is ignored.
type QueueModeConfig struct {
	Default string `yaml:"default_queue_mode" env:"DEFAULT_QUEUE_MODE" env-default:"auto"`
}

// Config is the root configuration object, one embedded struct per
// subsystem.
type Config struct {
	Watch      WatchConfig      `yaml:"watch"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Broker     BrokerConfig     `yaml:"broker"`
	Worker     WorkerConfig     `yaml:"worker"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	API        APIConfig        `yaml:"api"`
	QueueMode  QueueModeConfig  `yaml:"queue_mode"`
	Secrets    ProcessorSecrets `yaml:"-"`
}

// LoadFromFile reads YAML configuration from the given path, applying
// environment-variable overrides per each field's `env` tag. If path is
// empty, configuration is read entirely from the environment.
func LoadFromFile(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
		return &cfg, nil
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfigPath resolves the XDG-style config location used when no
// -config flag is supplied.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(dir, "theapipe", "config.yaml")
}
