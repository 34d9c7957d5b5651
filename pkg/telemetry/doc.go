// Package telemetry provides comprehensive observability instrumentation for ipamctl.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging reconciliation runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event bus for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "ipamctl"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger = logger.WithSessionID("sess-123").WithOperationID("op-456")
//	logger.Info("Dispatching operation")
//	logger.WithError(err).Error("Operation failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run flow and performance:
//
//	ctx, span := tel.Tracer.StartSpan(ctx, "plan.build")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    telemetry.AttrResourceType.String("network"),
//	    telemetry.AttrResourcePath.String("prod/10.0.1.0/24"),
//	)
//
//	// Record events
//	span.AddEvent("resolution.complete")
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	// Record run execution
//	tel.Metrics.RecordRunStarted(false)
//	tel.Metrics.RecordRunCompleted("succeeded", duration)
//
//	// Record operation execution
//	tel.Metrics.OperationCompleted("network", engine.OperationCreate, engine.StatusSucceeded, duration)
//
//	// Record remote API calls
//	tel.Metrics.RecordRemoteCall("POST", 201, duration)
//
//	// Record errors
//	tel.Metrics.RecordError("transient", "TIMEOUT")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event bus provides async publishing with buffering and filtering:
//
//	// Publish events (the engine does this through its EventPublisher port)
//	tel.Events.Publish(ctx, &engine.Event{
//	    Type:      engine.EventOperationCompleted,
//	    SessionID: sessionID,
//	    Message:   "network created",
//	})
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event *engine.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterBySession
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an operation
//	ic := telemetry.StartOperation(ctx, "plan.build",
//	    attribute.Int("record.count", len(records)))
//	defer ic.End(err)
//
//	ic.Logger.Info("Building plan")
//
//	// Session context
//	ctx = telemetry.WithSessionContext(ctx, sessionID, dryRun)
//	defer telemetry.EndSessionContext(ctx, status, err)
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
//	// Custom configuration
//	cfg := &telemetry.Config{
//	    ServiceName: "ipamctl",
//	    ServiceVersion: "1.0.0",
//	    Environment: "staging",
//	    Logging: telemetry.LoggingConfig{
//	        Level: "info",
//	        Format: "json",
//	    },
//	    Tracing: telemetry.TracingConfig{
//	        Enabled: true,
//	        Exporter: "otlp",
//	        Endpoint: "otel-collector:4317",
//	        SamplingRate: 0.1,
//	    },
//	    Metrics: telemetry.MetricsConfig{
//	        Enabled: true,
//	        ListenAddress: ":9090",
//	    },
//	}
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures:
//  - All buffered events are delivered
//  - All pending traces are exported
//
// # Integration with the Engine
//
// The engine consumes telemetry through its Metrics and EventPublisher ports:
//
//  1. Runs: run-level counters, duration histograms, and lifecycle events
//  2. Operations: per-operation tracing with resource context
//  3. Throttle: ceiling and in-flight gauges updated on every adjustment
//  4. Resolver: resolution source counters and deferred-resolution tracking
//  5. Remote client: call counters, latency histograms, and rate-limit hits
//
// # Exporters
//
// Tracing supports multiple exporters:
//
//  - "stdout": Print traces to stdout (development)
//  - "otlp": Export via OTLP/gRPC (production, works with collectors)
//  - "none": Generate traces but don't export (testing)
//
// Configure via TracingConfig.Exporter and TracingConfig.Endpoint
//
// # Common Metrics
//
// Key metrics exposed:
//
//  - ipamctl_runs_started_total{dry_run}
//  - ipamctl_runs_completed_total{status}
//  - ipamctl_run_duration_seconds{status}
//  - ipamctl_operations_completed_total{resource_type,kind,status}
//  - ipamctl_operation_duration_seconds{resource_type,kind}
//  - ipamctl_operation_retries_total{resource_type,class}
//  - ipamctl_batches_completed_total{phase}
//  - ipamctl_throttle_ceiling
//  - ipamctl_throttle_in_flight
//  - ipamctl_remote_calls_total{method,status}
//  - ipamctl_remote_call_duration_seconds{method}
//  - ipamctl_rate_limit_hits_total
//  - ipamctl_resolutions_total{source}
//  - ipamctl_errors_by_class_total{class}
//
// # Best Practices
//
//  1. Always use context to propagate telemetry
//  2. Use component-specific loggers for clarity
//  3. Add meaningful attributes to spans
//  4. Record both success and failure metrics
//  5. Use appropriate log levels
//  6. Filter events to avoid overwhelming subscribers
//  7. Configure sampling for high-volume systems
//  8. Always call defer span.End() after starting a span
//  9. Shut down gracefully to avoid data loss
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, API tokens)
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
//   - Consider event data before adding to audit logs
package telemetry
