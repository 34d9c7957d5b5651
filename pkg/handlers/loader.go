package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// PluginOptions configures plugin discovery and execution limits.
type PluginOptions struct {
	// Dirs lists directories scanned for plugins. Each plugin is a
	// subdirectory holding a manifest.yaml next to its WASM module.
	Dirs []string

	// AllowedCapabilities limits what manifests may request. Empty
	// allows every known capability.
	AllowedCapabilities []string

	// Timeout bounds one plugin handler call.
	Timeout time.Duration

	// MemoryLimitPages caps plugin memory in 64KB pages.
	MemoryLimitPages uint32
}

// LoadPlugins scans the plugin directories and registers a handler for
// every loadable manifest. A broken plugin is logged and skipped so one
// bad module does not take down the rest; an unreadable configured
// directory is an error. The returned plugins are the caller's to close
// on shutdown.
func LoadPlugins(ctx context.Context, registry *Registry, opts PluginOptions, logger zerolog.Logger) ([]*Plugin, error) {
	log := logger.With().Str("component", "plugins").Logger()

	var plugins []*Plugin
	for _, dir := range opts.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return plugins, fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}

			plugin, err := loadPlugin(ctx, registry, manifestPath, opts, log)
			if err != nil {
				log.Warn().Err(err).Str("manifest", manifestPath).Msg("skipping plugin")
				continue
			}
			plugins = append(plugins, plugin)
			log.Info().
				Str("plugin", plugin.manifest.Metadata.Name).
				Str("version", plugin.manifest.Metadata.Version).
				Str("resource_type", plugin.manifest.ResourceType).
				Msg("plugin handler registered")
		}
	}
	return plugins, nil
}

func loadPlugin(ctx context.Context, registry *Registry, manifestPath string, opts PluginOptions, log zerolog.Logger) (*Plugin, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	if err := manifest.checkAllowed(opts.AllowedCapabilities); err != nil {
		return nil, err
	}

	wasmModule, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm module: %w", err)
	}

	plugin, err := NewPlugin(ctx, manifest, wasmModule, PluginConfig{
		Timeout:          opts.Timeout,
		MemoryLimitPages: opts.MemoryLimitPages,
	}, log)
	if err != nil {
		return nil, err
	}

	if err := registry.Register(manifest.ResourceType, plugin); err != nil {
		plugin.Close(ctx)
		return nil, err
	}
	return plugin, nil
}
