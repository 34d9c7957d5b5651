package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/ipamctl/ipamctl/pkg/config"
	"github.com/ipamctl/ipamctl/pkg/engine"
	"github.com/ipamctl/ipamctl/pkg/handlers"
	"github.com/ipamctl/ipamctl/pkg/ingest"
	"github.com/ipamctl/ipamctl/pkg/policy"
	"github.com/ipamctl/ipamctl/pkg/remote"
	"github.com/ipamctl/ipamctl/pkg/stores"
	"github.com/ipamctl/ipamctl/pkg/telemetry"
)

// runtime is the assembled application stack: telemetry, the resource
// catalog, the session store, the remote client, handlers and the
// safety engine, wired identically for every command that needs them.
type runtime struct {
	cfg       *config.Config
	telCfg    *telemetry.Config
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.Bus
	catalog   *config.Catalog
	store     *stores.SQLiteStore
	client    *remote.Client
	snapshots *remote.Snapshots
	registry  *handlers.Registry
	plugins   []*handlers.Plugin
	safety    *policy.Engine
}

// runtimeOptions carries per-command overrides for construction.
type runtimeOptions struct {
	// AllowDangerous overrides the config's dangerous-delete setting.
	AllowDangerous bool
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newTelemetry builds the configured logger. The --verbose flag wins
// over the configured log level.
func newTelemetry(cfg *config.Config, version string) (*telemetry.Logger, *telemetry.Config, error) {
	telCfg := cfg.TelemetryConfig(version)
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	logger, err := telemetry.NewLogger(telCfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, telCfg, nil
}

func loadCatalog(ctx context.Context, cfg *config.Config) (*config.Catalog, error) {
	catalog, err := config.NewCatalogLoader().Load(ctx, cfg.Catalog.Paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource catalog: %w", err)
	}
	return catalog, nil
}

// openStore opens and migrates the session store, and opportunistically
// purges expired resolver-cache rows.
func openStore(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if purged, err := store.PurgeExpiredCache(ctx); err != nil {
		logger.WithError(err).Warn("could not purge expired cache entries")
	} else if purged > 0 {
		logger.WithField("purged", purged).Debug("expired resolver cache entries removed")
	}
	return store, nil
}

// newRuntime wires the full stack for commands that talk to the remote
// store. Offline commands build their slices with the helpers above.
func newRuntime(ctx context.Context, version string, opts runtimeOptions) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, telCfg, err := newTelemetry(cfg, version)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, telCfg: telCfg, logger: logger}

	rt.metrics, err = telemetry.NewMetrics(telCfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics: %w", err)
	}
	if err := rt.metrics.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	rt.tracer, err = telemetry.NewTracer(telCfg.Tracing, telCfg.ServiceName, telCfg.ServiceVersion, telCfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracer: %w", err)
	}

	rt.events, err = telemetry.NewBus(telCfg.Events)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to build event bus: %w", err)
	}

	rt.catalog, err = loadCatalog(ctx, cfg)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	rt.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	rt.client, err = remote.NewClient(remote.Config{
		BaseURL:               cfg.Remote.BaseURL,
		Username:              cfg.Remote.Username,
		Password:              cfg.Remote.Password,
		Timeout:               cfg.Remote.Timeout,
		TLSInsecureSkipVerify: cfg.Remote.TLSInsecureSkipVerify,
	}, rt.catalog, logger.Zerolog())
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.client.SetRecorder(rt.metrics)
	rt.snapshots = remote.NewSnapshots(rt.client, logger.Zerolog())

	rt.registry = handlers.NewRegistry(logger.Zerolog())
	if err := rt.registry.RegisterBuiltins(rt.catalog); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}
	if len(cfg.Plugins.Dirs) > 0 {
		rt.plugins, err = handlers.LoadPlugins(ctx, rt.registry, handlers.PluginOptions{
			Dirs:                cfg.Plugins.Dirs,
			AllowedCapabilities: cfg.Plugins.AllowedCapabilities,
			Timeout:             cfg.Plugins.Timeout,
		}, logger.Zerolog())
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("failed to load plugins: %w", err)
		}
	}

	rt.safety, err = policy.NewEngine(rt.catalog, cfg.Policy.AllowDangerous || opts.AllowDangerous, logger.Zerolog())
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := rt.safety.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	return rt, nil
}

// Close releases everything newRuntime built, in reverse order.
func (rt *runtime) Close(ctx context.Context) {
	for _, plugin := range rt.plugins {
		if err := plugin.Close(ctx); err != nil {
			rt.logger.WithError(err).Warn("failed to close plugin")
		}
	}
	if rt.safety != nil {
		_ = rt.safety.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.WithError(err).Warn("failed to close store")
		}
	}
	if rt.events != nil {
		_ = rt.events.Shutdown(ctx)
	}
	if rt.tracer != nil {
		_ = rt.tracer.Shutdown(ctx)
	}
}

// runnerDeps assembles the engine collaborators for a run.
func (rt *runtime) runnerDeps(noCache bool) engine.RunnerDeps {
	deps := engine.RunnerDeps{
		Client:     rt.client,
		Handlers:   rt.registry,
		Snapshots:  rt.snapshots,
		Catalog:    rt.catalog,
		Checkpoint: rt.store,
		Safety:     rt.safety,
		Events:     rt.events,
		Metrics:    rt.metrics,
		Logger:     rt.logger.Zerolog(),
	}
	if !noCache {
		deps.Cache = rt.store.ResolverCache(rt.cfg.Cache.TTL)
	}
	return deps
}

// loadRecords runs the ingest pipeline: optional SFTP fetch, CSV parse,
// optional Starlark transform. In non-strict mode rejected rows come
// back alongside the records that survived.
func (rt *runtime) loadRecords(ctx context.Context, files []string, strict bool) ([]engine.Record, []ingest.RowError, error) {
	files = append([]string(nil), files...)
	if rt.cfg.Ingest.SFTP.Enabled {
		fetched, err := rt.fetchDropZone(ctx)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, fetched...)
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no input files: pass CSV paths or enable the sftp source")
	}

	records, rowErrs, err := readInputFiles(files, rt.cfg, rt.catalog, rt.logger, strict)
	if err != nil {
		return nil, nil, err
	}

	if script := rt.cfg.Ingest.Transform.Script; script != "" {
		src, err := os.ReadFile(script)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read transform script: %w", err)
		}
		transform, err := ingest.NewStarlarkTransform(string(src), rt.cfg.Ingest.Transform.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to compile transform script: %w", err)
		}
		records, err = ingest.TransformRecords(ctx, transform, records)
		if err != nil {
			return nil, nil, fmt.Errorf("transform failed: %w", err)
		}
	}
	return records, rowErrs, nil
}

// readInputFiles parses CSV inputs with the configured dialect. It is
// shared with the offline validate command, which has no runtime.
func readInputFiles(files []string, cfg *config.Config, catalog engine.Catalog, logger *telemetry.Logger, strict bool) ([]engine.Record, []ingest.RowError, error) {
	opts := ingest.Options{
		TrimLeadingSpace: cfg.Ingest.CSV.TrimLeadingSpace,
		Strict:           strict,
	}
	if cfg.Ingest.CSV.Delimiter != "" {
		opts.Comma = []rune(cfg.Ingest.CSV.Delimiter)[0]
	}
	if cfg.Ingest.CSV.Comment != "" {
		opts.Comment = []rune(cfg.Ingest.CSV.Comment)[0]
	}

	reader, err := ingest.NewReader(opts, catalog, logger.Zerolog())
	if err != nil {
		return nil, nil, err
	}
	result, err := reader.ReadFiles(files)
	if err != nil {
		return nil, nil, err
	}
	return result.Records, result.Errors, nil
}

// fetchDropZone pulls input files from the configured SFTP drop
// directory into a fresh local inbox.
func (rt *runtime) fetchDropZone(ctx context.Context) ([]string, error) {
	sc := rt.cfg.Ingest.SFTP
	source, err := ingest.NewSFTPSource(ingest.SFTPOptions{
		Host:           sc.Host,
		Port:           sc.Port,
		Username:       sc.Username,
		Password:       sc.Password,
		KeyFile:        sc.KeyFile,
		KnownHostsFile: sc.KnownHostsFile,
		RemoteDir:      sc.RemoteDir,
		Timeout:        sc.Timeout,
	}, rt.logger.Zerolog())
	if err != nil {
		return nil, err
	}
	inbox, err := os.MkdirTemp("", "ipamctl-inbox-")
	if err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}
	return source.Fetch(ctx, inbox)
}
