// Package config loads and validates parcelmap configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
)

// EnvPrefix prefixes every environment override, e.g. PARCELMAP_REGISTRY_TIMEOUT.
const EnvPrefix = "PARCELMAP"

// Output backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendGCS    = "gcs"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config captures every configuration knob.
type Config struct {
	Registry   RegistryConfig   `mapstructure:"registry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Output     OutputConfig     `mapstructure:"output"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// RegistryConfig controls the geometry client and its transport.
type RegistryConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Backoff     string        `mapstructure:"backoff"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// OutputConfig selects where rendered artifacts go.
type OutputConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig enables run history when DSN is set.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig enables completion notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// MaxRecords caps the records accepted by one POST /v1/runs.
	MaxRecords int `mapstructure:"max_records"`
	// HistorySize bounds the in-memory run history used when db.dsn is empty.
	HistorySize int `mapstructure:"history_size"`
}

// AuthConfig guards the run submission endpoint with a static API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development mode and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Tracing     bool   `mapstructure:"tracing"`
}

// Load builds a Config from defaults, an optional YAML file and the
// environment. Variables from envFiles (".env" when none are given) are
// loaded first without overriding the real environment; missing files are
// ignored.
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Every key needs a default, even an empty one, for AutomaticEnv to reach it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.endpoint", "http://ovc.catastro.meh.es/INSPIRE/wfsCP.aspx")
	v.SetDefault("registry.timeout", "30s")
	v.SetDefault("registry.max_attempts", 3)
	v.SetDefault("registry.retry_delay", "1s")
	v.SetDefault("registry.backoff", BackoffFixed)
	v.SetDefault("registry.max_delay", "5s")
	v.SetDefault("registry.user_agent", "parcelmap/1.0")
	v.SetDefault("dispatcher.concurrency", 20)
	v.SetDefault("output.backend", BackendLocal)
	v.SetDefault("output.dir", ".")
	v.SetDefault("output.gcs_bucket", "")
	v.SetDefault("output.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "parcel_runs")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_records", 5000)
	v.SetDefault("server.history_size", 100)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "parcelmap")
	v.SetDefault("telemetry.tracing", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Registry.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("registry.endpoint must be an absolute URL, got %q", c.Registry.Endpoint)
	}
	if c.Registry.Timeout <= 0 {
		return fmt.Errorf("registry.timeout must be > 0")
	}
	if c.Registry.MaxAttempts < 1 {
		return fmt.Errorf("registry.max_attempts must be >= 1")
	}
	if c.Registry.RetryDelay < 0 {
		return fmt.Errorf("registry.retry_delay must be >= 0")
	}
	switch c.Registry.Backoff {
	case BackoffFixed:
	case BackoffExponential:
		if c.Registry.MaxDelay < c.Registry.RetryDelay {
			return fmt.Errorf("registry.max_delay must be >= registry.retry_delay")
		}
	default:
		return fmt.Errorf("registry.backoff must be %q or %q, got %q", BackoffFixed, BackoffExponential, c.Registry.Backoff)
	}
	if c.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("dispatcher.concurrency must be >= 1")
	}
	switch c.Output.Backend {
	case BackendLocal, BackendMemory:
	case BackendGCS:
		if c.Output.GCSBucket == "" {
			return fmt.Errorf("output.gcs_bucket must be set when output.backend is gcs")
		}
	default:
		return fmt.Errorf("output.backend must be one of local, memory, gcs, got %q", c.Output.Backend)
	}
	if c.DB.DSN != "" && c.DB.Table == "" {
		return fmt.Errorf("db.table must be set when db.dsn is set")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxRecords < 1 {
		return fmt.Errorf("server.max_records must be >= 1")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RetryPolicy builds the registry retry policy described by the config.
func (c RegistryConfig) RetryPolicy() cadastre.RetryPolicy {
	if c.Backoff == BackoffExponential {
		return cadastre.NewExponentialRetryPolicy(c.MaxAttempts, c.RetryDelay, c.MaxDelay)
	}
	return cadastre.NewFixedRetryPolicy(c.MaxAttempts, c.RetryDelay)
}
