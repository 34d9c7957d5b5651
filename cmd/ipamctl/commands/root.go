package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ipamctl",
		Short: "ipamctl - IPAM bulk reconciliation engine",
		Long: `ipamctl reconciles CSV-described IPAM and DNS resources against an
address-manager REST API.

Each input row names a desired resource state; ipamctl diffs it against
the remote store, orders the resulting mutations along parent and
reference dependencies, and executes them in parallel batches with
adaptive throttling, checkpointed resume and rollback generation.

Features:
  - CSV ingest with per-row validation and optional Starlark transforms
  - CUE-typed resource catalog, extensible with operator overlays
  - Dependency graph with cycle detection and two-phase planning
  - OPA safety policies guarding destructive operations
  - SQLite-backed sessions, changelog and resolver cache
  - WASM plugin handlers for custom resource types`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newApplyCommand(version))
	rootCmd.AddCommand(newSessionsCommand(version))
	rootCmd.AddCommand(newRollbackCommand(version))
	rootCmd.AddCommand(newPolicyCommand(version))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
