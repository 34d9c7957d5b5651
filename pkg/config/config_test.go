package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// validConfig returns a configuration that passes validation.
func validConfig() *Config {
	cfg := Default()
	cfg.Remote.BaseURL = "https://bam.example.com/api"
	cfg.Remote.Username = "apiuser"
	cfg.Remote.Password = "secret"
	cfg.Remote.Configuration = "default"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Run.MaxBatchSize != 50 {
		t.Errorf("Expected max batch size 50, got %d", cfg.Run.MaxBatchSize)
	}
	if cfg.Run.MaxRetries != 3 {
		t.Errorf("Expected max retries 3, got %d", cfg.Run.MaxRetries)
	}
	if !cfg.Policy.SafeMode {
		t.Error("Expected safe mode enabled by default")
	}
	if cfg.Policy.UpdateMode != string(engine.UpdateModeUpsert) {
		t.Errorf("Expected upsert update mode, got %s", cfg.Policy.UpdateMode)
	}
	if cfg.Policy.FailurePolicy != string(engine.FailurePolicyFailGroup) {
		t.Errorf("Expected fail_group failure policy, got %s", cfg.Policy.FailurePolicy)
	}
	if cfg.Throttle.Initial != 10 {
		t.Errorf("Expected initial throttle ceiling 10, got %d", cfg.Throttle.Initial)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("Expected 24h cache TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Store.Path != "ipamctl.db" {
		t.Errorf("Expected default store path ipamctl.db, got %s", cfg.Store.Path)
	}
	if cfg.Ingest.CSV.Delimiter != "," {
		t.Errorf("Expected comma delimiter, got %q", cfg.Ingest.CSV.Delimiter)
	}
	if cfg.Ingest.SFTP.Port != 22 {
		t.Errorf("Expected SFTP port 22, got %d", cfg.Ingest.SFTP.Port)
	}
	if cfg.Telemetry.LogLevel != "info" {
		t.Errorf("Expected info log level, got %s", cfg.Telemetry.LogLevel)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ipamctl.yaml")

	content := `
remote:
  base_url: https://bam.example.com/api
  username: apiuser
  password: secret
  configuration: default
  timeout: 10s
run:
  max_batch_size: 10
policy:
  safe_mode: false
  update_mode: create_only
throttle:
  initial: 5
  max: 20
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Remote.BaseURL != "https://bam.example.com/api" {
		t.Errorf("Expected base URL from file, got %s", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Timeout != 10*time.Second {
		t.Errorf("Expected 10s timeout, got %v", cfg.Remote.Timeout)
	}
	if cfg.Run.MaxBatchSize != 10 {
		t.Errorf("Expected max batch size 10, got %d", cfg.Run.MaxBatchSize)
	}
	if cfg.Policy.SafeMode {
		t.Error("Expected safe mode disabled by file")
	}
	if cfg.Policy.UpdateMode != "create_only" {
		t.Errorf("Expected create_only update mode, got %s", cfg.Policy.UpdateMode)
	}
	if cfg.Throttle.Initial != 5 {
		t.Errorf("Expected initial throttle ceiling 5, got %d", cfg.Throttle.Initial)
	}

	// Values the file does not set keep their defaults.
	if cfg.Run.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.Run.MaxRetries)
	}
	if cfg.Run.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("Expected default retry base delay, got %v", cfg.Run.RetryBaseDelay)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/ipamctl.yaml")
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected read error, got: %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ipamctl.yaml")

	if err := os.WriteFile(path, []byte("remote: [not a mapping"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("Expected parse error, got: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ipamctl.yaml")

	content := `
remote:
  base_url: https://bam.example.com/api
  username: fileuser
  password: filepass
  configuration: default
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv(EnvRemoteUsername, "envuser")
	t.Setenv(EnvRemotePassword, "envpass")
	t.Setenv(EnvStorePath, "/var/lib/ipamctl/sessions.db")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Remote.Username != "envuser" {
		t.Errorf("Expected env username to win, got %s", cfg.Remote.Username)
	}
	if cfg.Remote.Password != "envpass" {
		t.Errorf("Expected env password to win, got %s", cfg.Remote.Password)
	}
	if cfg.Store.Path != "/var/lib/ipamctl/sessions.db" {
		t.Errorf("Expected env store path to win, got %s", cfg.Store.Path)
	}
	if cfg.Telemetry.LogLevel != "debug" {
		t.Errorf("Expected env log level to win, got %s", cfg.Telemetry.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing base URL",
			mutate:  func(c *Config) { c.Remote.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "malformed base URL",
			mutate:  func(c *Config) { c.Remote.BaseURL = "not a url" },
			wantErr: true,
		},
		{
			name:    "missing username",
			mutate:  func(c *Config) { c.Remote.Username = "" },
			wantErr: true,
		},
		{
			name:    "missing configuration",
			mutate:  func(c *Config) { c.Remote.Configuration = "" },
			wantErr: true,
		},
		{
			name:    "invalid update mode",
			mutate:  func(c *Config) { c.Policy.UpdateMode = "replace" },
			wantErr: true,
		},
		{
			name:    "invalid failure policy",
			mutate:  func(c *Config) { c.Policy.FailurePolicy = "abort" },
			wantErr: true,
		},
		{
			name: "throttle floor above max",
			mutate: func(c *Config) {
				c.Throttle.Floor = 100
				c.Throttle.Max = 50
			},
			wantErr: true,
		},
		{
			name: "sftp enabled without credentials",
			mutate: func(c *Config) {
				c.Ingest.SFTP.Enabled = true
				c.Ingest.SFTP.Host = "sftp.example.com"
				c.Ingest.SFTP.Username = "drop"
			},
			wantErr: true,
		},
		{
			name: "sftp enabled with password",
			mutate: func(c *Config) {
				c.Ingest.SFTP.Enabled = true
				c.Ingest.SFTP.Host = "sftp.example.com"
				c.Ingest.SFTP.Username = "drop"
				c.Ingest.SFTP.Password = "secret"
			},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Telemetry.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid tracing exporter",
			mutate:  func(c *Config) { c.Telemetry.TracingExporter = "jaeger" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected valid config, got: %v", err)
			}
		})
	}
}

func TestRunnerConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Policy.SafeMode = false
	cfg.Policy.UpdateMode = string(engine.UpdateModeCreateOnly)
	cfg.Run.MaxBatchSize = 25

	rc := cfg.RunnerConfig()

	if rc.Root != "default" {
		t.Errorf("Expected root default, got %s", rc.Root)
	}
	if rc.SafeMode {
		t.Error("Expected safe mode disabled")
	}
	if rc.UpdateMode != engine.UpdateModeCreateOnly {
		t.Errorf("Expected create_only update mode, got %s", rc.UpdateMode)
	}
	if rc.MaxBatchSize != 25 {
		t.Errorf("Expected max batch size 25, got %d", rc.MaxBatchSize)
	}
	if rc.Throttle.Initial != cfg.Throttle.Initial {
		t.Errorf("Expected throttle config carried over, got %+v", rc.Throttle)
	}
}

func TestTelemetryConfigMapping(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.LogLevel = "debug"
	cfg.Telemetry.LogFormat = "json"
	cfg.Telemetry.MetricsEnabled = true
	cfg.Telemetry.MetricsListen = ":9191"
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TracingExporter = "otlp"
	cfg.Telemetry.TracingEndpoint = "collector:4317"
	cfg.Telemetry.TracingSamplingRate = 0.25

	tc := cfg.TelemetryConfig("1.2.3")

	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("Expected service version 1.2.3, got %s", tc.ServiceVersion)
	}
	if tc.Logging.Level != "debug" {
		t.Errorf("Expected debug log level, got %s", tc.Logging.Level)
	}
	if tc.Logging.Format != "json" {
		t.Errorf("Expected json log format, got %s", tc.Logging.Format)
	}
	if !tc.Metrics.Enabled {
		t.Error("Expected metrics enabled")
	}
	if tc.Metrics.ListenAddress != ":9191" {
		t.Errorf("Expected listen address :9191, got %s", tc.Metrics.ListenAddress)
	}
	if !tc.Tracing.Enabled {
		t.Error("Expected tracing enabled")
	}
	if tc.Tracing.Exporter != "otlp" {
		t.Errorf("Expected otlp exporter, got %s", tc.Tracing.Exporter)
	}
	if tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("Expected collector endpoint, got %s", tc.Tracing.Endpoint)
	}
	if tc.Tracing.SamplingRate != 0.25 {
		t.Errorf("Expected 0.25 sampling rate, got %f", tc.Tracing.SamplingRate)
	}
}
