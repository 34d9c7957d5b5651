package telemetry

import (
	"fmt"
	"time"
)

// Config is the root telemetry configuration. One instance covers a whole
// run: logging, tracing, metrics and the event bus share the service
// identity declared here.
type Config struct {
	// ServiceName identifies this binary in traces and metrics.
	ServiceName string

	// ServiceVersion is stamped onto every span and log line.
	ServiceVersion string

	// Environment tags telemetry with the deployment stage.
	Environment string

	// Logging configures the zerolog sink.
	Logging LoggingConfig

	// Tracing configures the OpenTelemetry pipeline.
	Tracing TracingConfig

	// Metrics configures the Prometheus registry and listener.
	Metrics MetricsConfig

	// Events configures the in-process event bus.
	Events EventsConfig

	// ResourceAttributes adds extra key/value pairs to the OTel resource.
	ResourceAttributes map[string]string
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level emitted
	// (trace, debug, info, warn, error, fatal).
	Level string

	// Format selects console or json output.
	Format string

	// Output is the sink: stdout, stderr or a file path. Runs default to
	// stderr so command output on stdout stays machine-readable.
	Output string

	// EnableCaller annotates lines with file:line.
	EnableCaller bool

	// EnableSampling rate-limits repetitive lines. Useful when a large
	// run logs per operation.
	EnableSampling bool

	// SamplingInitial is the per-second burst logged before sampling
	// kicks in.
	SamplingInitial int

	// SamplingThereafter keeps every Nth line once the burst is spent.
	SamplingThereafter int

	// TimeFormat selects the timestamp encoding
	// (rfc3339, unix, unixms, unixmicro).
	TimeFormat string
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled turns the trace pipeline on.
	Enabled bool

	// Exporter selects where spans go: otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP collector address.
	Endpoint string

	// SamplingRate is the fraction of sessions traced, 0 to 1.
	SamplingRate float64

	// MaxExportBatchSize caps spans per export call.
	MaxExportBatchSize int

	// ExportTimeout bounds each export call. It also bounds shutdown:
	// a finished run flushes spans before exiting.
	ExportTimeout time.Duration

	// Headers carries extra OTLP request headers, e.g. auth tokens.
	Headers map[string]string

	// Insecure disables TLS towards the collector.
	Insecure bool
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled turns the Prometheus listener on. Long-running or scheduled
	// invocations expose it; one-shot runs usually leave it off.
	Enabled bool

	// ListenAddress is the scrape endpoint address.
	ListenAddress string

	// Path is the scrape path.
	Path string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets are the latency buckets in seconds. The
	// defaults cover remote API calls that may sit in the throttle queue
	// for tens of seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the event publishing system.
type EventsConfig struct {
	// Enabled turns the event bus on.
	Enabled bool

	// BufferSize is the async delivery queue length.
	BufferSize int

	// EnableAsync delivers events from a worker goroutine instead of the
	// publishing call path.
	EnableAsync bool
}

// DefaultConfig returns the baseline configuration for an interactive run:
// console logs on stderr, no listener, tracing off until asked for.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ipamctl",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      10 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "ipamctl",
			DefaultHistogramBuckets: []float64{
				0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  256,
			EnableAsync: true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig returns a configuration for unattended runs: json logs,
// sampling on, spans shipped to a collector.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Metrics.Enabled = true
	return cfg
}

// DevelopmentConfig returns a configuration for working on ipamctl itself:
// everything verbose, spans printed locally.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate rejects configurations the constructors cannot honor.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
