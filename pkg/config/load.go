package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ipamctl/ipamctl/pkg/engine"
	"gopkg.in/yaml.v3"
)

// Environment variables recognized by Load. They override file values so
// credentials stay out of checked-in configuration.
const (
	EnvRemoteURL      = "IPAMCTL_REMOTE_URL"
	EnvRemoteUsername = "IPAMCTL_REMOTE_USERNAME"
	EnvRemotePassword = "IPAMCTL_REMOTE_PASSWORD"
	EnvStorePath      = "IPAMCTL_STORE_PATH"
	EnvLogLevel       = "LOG_LEVEL"
)

// Default returns the default configuration. Remote connection details
// have no usable defaults and must come from the file or environment.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Run: RunConfig{
			MaxBatchSize:   50,
			MaxRetries:     3,
			RetryBaseDelay: 500 * time.Millisecond,
			RetryMaxDelay:  30 * time.Second,
		},
		Policy: PolicyConfig{
			SafeMode:      true,
			UpdateMode:    string(engine.UpdateModeUpsert),
			FailurePolicy: string(engine.FailurePolicyFailGroup),
		},
		Throttle: engine.ThrottleConfig{
			Initial:            10,
			Floor:              1,
			Max:                50,
			Interval:           10 * time.Second,
			IncreaseFactor:     1.2,
			DecreaseFactor:     0.5,
			HealthyErrorRate:   0.01,
			UnhealthyErrorRate: 0.05,
			LatencyTarget:      time.Second,
			RateLimitCooldown:  30 * time.Second,
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Store: StoreConfig{
			Path: "ipamctl.db",
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  false,
			MetricsListen:   ":9090",
			TracingEnabled:  false,
			TracingExporter: "stdout",
		},
		Ingest: IngestConfig{
			CSV: CSVConfig{
				Delimiter:        ",",
				Comment:          "#",
				TrimLeadingSpace: true,
			},
			SFTP: SFTPConfig{
				Port:    22,
				Timeout: 30 * time.Second,
			},
			Transform: TransformConfig{
				Timeout: 30 * time.Second,
			},
		},
		Plugins: PluginsConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads the configuration file at path, applies environment
// overrides, and validates the result. An empty path loads defaults and
// environment values only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides replaces config values with environment values when
// set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvRemoteURL); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv(EnvRemoteUsername); v != "" {
		cfg.Remote.Username = v
	}
	if v := os.Getenv(EnvRemotePassword); v != "" {
		cfg.Remote.Password = v
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Telemetry.LogLevel = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.Policy.UpdateMode != "" {
		if err := engine.UpdateMode(c.Policy.UpdateMode).Validate(); err != nil {
			return err
		}
	}
	if c.Policy.FailurePolicy != "" {
		if err := engine.FailurePolicy(c.Policy.FailurePolicy).Validate(); err != nil {
			return err
		}
	}

	if c.Throttle.Floor > c.Throttle.Max {
		return fmt.Errorf("throttle floor %d exceeds max %d", c.Throttle.Floor, c.Throttle.Max)
	}

	if c.Ingest.SFTP.Enabled && c.Ingest.SFTP.Password == "" && c.Ingest.SFTP.KeyFile == "" {
		return fmt.Errorf("sftp source requires a password or key_file")
	}

	return nil
}
