package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry.Endpoint != "http://ovc.catastro.meh.es/INSPIRE/wfsCP.aspx" {
		t.Fatalf("unexpected endpoint %q", cfg.Registry.Endpoint)
	}
	if cfg.Registry.Timeout != 30*time.Second || cfg.Registry.RetryDelay != time.Second {
		t.Fatalf("unexpected registry timings: %+v", cfg.Registry)
	}
	if cfg.Registry.MaxAttempts != 3 || cfg.Dispatcher.Concurrency != 20 {
		t.Fatalf("unexpected budget/concurrency: %+v %+v", cfg.Registry, cfg.Dispatcher)
	}
	if cfg.Output.Backend != BackendLocal || cfg.DB.Table != "parcel_runs" || cfg.Server.Port != 8080 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Server.MaxRecords != 5000 || cfg.Server.HistorySize != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, ok := cfg.Registry.RetryPolicy().(*cadastre.FixedRetryPolicy); !ok {
		t.Fatalf("expected fixed retry policy by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
registry:
  timeout: 10s
  max_attempts: 5
  retry_delay: 200ms
  backoff: exponential
  max_delay: 2s
dispatcher:
  concurrency: 8
output:
  backend: gcs
  gcs_bucket: maps
  prefix: clients
db:
  dsn: postgres://localhost/parcels
pubsub:
  project_id: proj
  topic: runs
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path, filepath.Join(dir, "absent.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry.Timeout != 10*time.Second || cfg.Registry.MaxAttempts != 5 {
		t.Fatalf("expected registry overrides, got %+v", cfg.Registry)
	}
	policy, ok := cfg.Registry.RetryPolicy().(*cadastre.ExponentialRetryPolicy)
	if !ok || policy.MaxAttempts() != 5 {
		t.Fatalf("expected exponential policy with 5 attempts, got %#v", cfg.Registry.RetryPolicy())
	}
	if cfg.Dispatcher.Concurrency != 8 || cfg.Output.GCSBucket != "maps" || cfg.Output.Prefix != "clients" {
		t.Fatalf("expected dispatcher/output overrides, got %+v %+v", cfg.Dispatcher, cfg.Output)
	}
	if cfg.PubSub.Topic != "runs" || cfg.DB.DSN == "" || !cfg.Auth.Enabled {
		t.Fatalf("expected integration overrides, got %+v", cfg)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

// Not parallel: mutates the process environment.
func TestLoadEnvironmentAndDotEnv(t *testing.T) {
	t.Setenv("PARCELMAP_DISPATCHER_CONCURRENCY", "3")
	t.Setenv("PARCELMAP_REGISTRY_MAX_ATTEMPTS", "4")

	envFile := filepath.Join(t.TempDir(), ".env")
	content := "PARCELMAP_REGISTRY_MAX_ATTEMPTS=9\nPARCELMAP_OUTPUT_PREFIX=from-dotenv\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("PARCELMAP_OUTPUT_PREFIX")
	})

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Dispatcher.Concurrency != 3 {
		t.Fatalf("expected env concurrency 3, got %d", cfg.Dispatcher.Concurrency)
	}
	if cfg.Registry.MaxAttempts != 4 {
		t.Fatalf("dotenv must not override the environment, got %d", cfg.Registry.MaxAttempts)
	}
	if cfg.Output.Prefix != "from-dotenv" {
		t.Fatalf("expected prefix from dotenv, got %q", cfg.Output.Prefix)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Registry: RegistryConfig{
			Endpoint:    "http://registry.test/wfs",
			Timeout:     time.Second,
			MaxAttempts: 3,
			RetryDelay:  time.Second,
			Backoff:     BackoffFixed,
		},
		Dispatcher: DispatcherConfig{Concurrency: 1},
		Output:     OutputConfig{Backend: BackendLocal},
		DB:         DBConfig{Table: "parcel_runs"},
		Server:     ServerConfig{Port: 8080, MaxRecords: 10},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config must validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative endpoint", func(c *Config) { c.Registry.Endpoint = "/wfs" }, "registry.endpoint"},
		{"zero timeout", func(c *Config) { c.Registry.Timeout = 0 }, "registry.timeout"},
		{"zero attempts", func(c *Config) { c.Registry.MaxAttempts = 0 }, "registry.max_attempts"},
		{"negative delay", func(c *Config) { c.Registry.RetryDelay = -time.Second }, "registry.retry_delay"},
		{"unknown backoff", func(c *Config) { c.Registry.Backoff = "linear" }, "registry.backoff"},
		{"max delay below base", func(c *Config) {
			c.Registry.Backoff = BackoffExponential
			c.Registry.MaxDelay = time.Millisecond
		}, "registry.max_delay"},
		{"zero concurrency", func(c *Config) { c.Dispatcher.Concurrency = 0 }, "dispatcher.concurrency"},
		{"unknown backend", func(c *Config) { c.Output.Backend = "s3" }, "output.backend"},
		{"gcs without bucket", func(c *Config) { c.Output.Backend = BackendGCS }, "output.gcs_bucket"},
		{"dsn without table", func(c *Config) {
			c.DB.DSN = "postgres://x"
			c.DB.Table = ""
		}, "db.table"},
		{"topic without project", func(c *Config) { c.PubSub.Topic = "runs" }, "pubsub.project_id"},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid max records", func(c *Config) { c.Server.MaxRecords = 0 }, "server.max_records"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
