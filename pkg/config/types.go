package config

import (
	"time"

	"github.com/ipamctl/ipamctl/pkg/engine"
	"github.com/ipamctl/ipamctl/pkg/telemetry"
)

// Config is the application configuration loaded from YAML.
type Config struct {
	// Remote configures the address-manager API connection.
	Remote RemoteConfig `yaml:"remote" validate:"required"`

	// Run tunes batching and retry behavior for a reconciliation run.
	Run RunConfig `yaml:"run"`

	// Policy controls safe mode, update mode and failure propagation.
	Policy PolicyConfig `yaml:"policy"`

	// Throttle tunes the adaptive concurrency limiter.
	Throttle engine.ThrottleConfig `yaml:"throttle"`

	// Cache configures the persistent resolver cache.
	Cache CacheConfig `yaml:"cache"`

	// Store configures the session store.
	Store StoreConfig `yaml:"store"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Ingest configures CSV parsing, transforms and the SFTP source.
	Ingest IngestConfig `yaml:"ingest"`

	// Plugins configures WASM handler discovery.
	Plugins PluginsConfig `yaml:"plugins"`

	// Catalog lists operator overlay files for the resource catalog.
	Catalog CatalogConfig `yaml:"catalog"`
}

// RemoteConfig configures the address-manager REST API client.
type RemoteConfig struct {
	// BaseURL is the API base URL (e.g., "https://bam.example.com/api").
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Username authenticates API sessions.
	Username string `yaml:"username" validate:"required"`

	// Password authenticates API sessions. Prefer the
	// IPAMCTL_REMOTE_PASSWORD environment variable over the file.
	Password string `yaml:"password"`

	// Configuration is the name of the configuration container all
	// record paths hang under.
	Configuration string `yaml:"configuration" validate:"required"`

	// Timeout bounds a single API request.
	Timeout time.Duration `yaml:"timeout"`

	// TLSInsecureSkipVerify disables certificate verification.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
}

// RunConfig tunes per-run execution parameters.
type RunConfig struct {
	// MaxBatchSize caps operations per execution batch.
	MaxBatchSize int `yaml:"max_batch_size" validate:"omitempty,min=1"`

	// MaxRetries bounds transient retries per operation.
	MaxRetries int `yaml:"max_retries" validate:"omitempty,min=0"`

	// RetryBaseDelay seeds the exponential backoff.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps a single backoff wait.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// PolicyConfig controls diff policy and safety enforcement.
type PolicyConfig struct {
	// SafeMode downgrades protected deletes to noops during the diff.
	SafeMode bool `yaml:"safe_mode"`

	// UpdateMode is upsert, create_only or update_only.
	UpdateMode string `yaml:"update_mode" validate:"omitempty,oneof=upsert create_only update_only"`

	// FailurePolicy is fail_group, fail_fast or continue.
	FailurePolicy string `yaml:"failure_policy" validate:"omitempty,oneof=fail_group fail_fast continue"`

	// AllowDangerous permits deletion of high-risk resource types.
	AllowDangerous bool `yaml:"allow_dangerous"`

	// Paths lists operator .rego policy files or directories.
	Paths []string `yaml:"paths"`
}

// CacheConfig configures the resolver cache.
type CacheConfig struct {
	// TTL is how long a cached path mapping stays valid.
	TTL time.Duration `yaml:"ttl"`
}

// StoreConfig configures the SQLite session store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// TelemetryConfig configures the observability stack.
type TelemetryConfig struct {
	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat is console or json.
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	// MetricsEnabled controls Prometheus metrics collection.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsListen is the metrics HTTP listen address.
	MetricsListen string `yaml:"metrics_listen"`

	// TracingEnabled controls OpenTelemetry tracing.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingExporter is otlp, stdout or none.
	TracingExporter string `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// TracingSamplingRate is the trace sampling rate (0.0 to 1.0).
	TracingSamplingRate float64 `yaml:"tracing_sampling_rate" validate:"omitempty,min=0,max=1"`
}

// IngestConfig configures record ingestion.
type IngestConfig struct {
	// CSV configures CSV dialect options.
	CSV CSVConfig `yaml:"csv"`

	// SFTP configures the optional remote drop-zone source.
	SFTP SFTPConfig `yaml:"sftp"`

	// Transform configures the optional Starlark record transform.
	Transform TransformConfig `yaml:"transform"`
}

// CSVConfig configures the CSV reader dialect.
type CSVConfig struct {
	// Delimiter is the field separator, a single character.
	Delimiter string `yaml:"delimiter" validate:"omitempty,len=1"`

	// Comment marks comment lines, a single character.
	Comment string `yaml:"comment" validate:"omitempty,len=1"`

	// TrimLeadingSpace strips leading whitespace from fields.
	TrimLeadingSpace bool `yaml:"trim_leading_space"`
}

// SFTPConfig configures fetching input files from a remote drop zone.
type SFTPConfig struct {
	// Enabled turns the SFTP source on.
	Enabled bool `yaml:"enabled"`

	// Host is the SFTP server hostname.
	Host string `yaml:"host" validate:"required_if=Enabled true"`

	// Port is the SSH port.
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// Username authenticates the SSH session.
	Username string `yaml:"username" validate:"required_if=Enabled true"`

	// Password authenticates when no key file is given.
	Password string `yaml:"password"`

	// KeyFile is a path to a private key for key authentication.
	KeyFile string `yaml:"key_file"`

	// KnownHostsFile pins the server host key. Empty skips verification.
	KnownHostsFile string `yaml:"known_hosts_file"`

	// RemoteDir is the drop directory to fetch input files from.
	RemoteDir string `yaml:"remote_dir"`

	// Timeout bounds the SSH dial.
	Timeout time.Duration `yaml:"timeout"`
}

// TransformConfig configures the Starlark record transform.
type TransformConfig struct {
	// Script is the path to a Starlark transform script.
	Script string `yaml:"script"`

	// Timeout bounds a single script evaluation.
	Timeout time.Duration `yaml:"timeout"`
}

// PluginsConfig configures WASM plugin handler discovery.
type PluginsConfig struct {
	// Dirs lists directories scanned for plugin manifests.
	Dirs []string `yaml:"dirs"`

	// AllowedCapabilities limits what capabilities a plugin manifest may
	// request. Empty allows all.
	AllowedCapabilities []string `yaml:"allowed_capabilities"`

	// Timeout bounds a single plugin handler call.
	Timeout time.Duration `yaml:"timeout"`
}

// CatalogConfig configures resource catalog overlays.
type CatalogConfig struct {
	// Paths lists operator .cue files or directories layered over the
	// built-in catalog.
	Paths []string `yaml:"paths"`
}

// RunnerConfig converts the file configuration into an engine runner
// configuration. SessionID, DryRun and Resume stay with the caller.
func (c *Config) RunnerConfig() engine.RunnerConfig {
	return engine.RunnerConfig{
		Root:           c.Remote.Configuration,
		SafeMode:       c.Policy.SafeMode,
		UpdateMode:     engine.UpdateMode(c.Policy.UpdateMode),
		FailurePolicy:  engine.FailurePolicy(c.Policy.FailurePolicy),
		MaxBatchSize:   c.Run.MaxBatchSize,
		MaxRetries:     c.Run.MaxRetries,
		RetryBaseDelay: c.Run.RetryBaseDelay,
		RetryMaxDelay:  c.Run.RetryMaxDelay,
		Throttle:       c.Throttle,
	}
}

// TelemetryConfig converts the telemetry section into the telemetry
// package's configuration.
func (c *Config) TelemetryConfig(serviceVersion string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = serviceVersion

	if c.Telemetry.LogLevel != "" {
		tc.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		tc.Logging.Format = c.Telemetry.LogFormat
	}

	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	if c.Telemetry.MetricsListen != "" {
		tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	}

	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TracingExporter != "" {
		tc.Tracing.Exporter = c.Telemetry.TracingExporter
	}
	if c.Telemetry.TracingEndpoint != "" {
		tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	}
	if c.Telemetry.TracingSamplingRate > 0 {
		tc.Tracing.SamplingRate = c.Telemetry.TracingSamplingRate
	}

	return tc
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "catalog.network.fields").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}
