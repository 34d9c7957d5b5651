package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ipamctl/ipamctl/pkg/rollback"
)

func newRollbackCommand(version string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "rollback <session-id>",
		Short: "Generate the inverse CSV for a session",
		Long: `Generate a CSV that undoes a session's applied mutations: creates
become deletes, updates restore the previous field values, and deletes
recreate the resource from its before snapshot. Rows are emitted in
reverse execution order so dependents are undone before their parents.

The file is only generated here. Apply it like any other input:

  ipamctl apply rollbacks/<session-id>.csv --allow-dangerous`,
		Example: `  # Write rollbacks/<session-id>.csv
  ipamctl rollback 6f1c9a4e-1b2d-4c3e-9f00-abcdef012345

  # Pick the output path
  ipamctl rollback 6f1c9a4e-1b2d-4c3e-9f00-abcdef012345 -o undo.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sessionID := args[0]

			cfg, logger, store, err := openLocalStore(ctx, version)
			if err != nil {
				return err
			}
			defer store.Close()

			catalog, err := loadCatalog(ctx, cfg)
			if err != nil {
				return err
			}

			generator, err := rollback.NewGenerator(store, catalog, logger.Zerolog())
			if err != nil {
				return err
			}
			plan, err := generator.Generate(ctx, sessionID)
			if err != nil {
				return err
			}
			if len(plan.Rows) == 0 {
				fmt.Printf("Session %s has no reversible operations\n", sessionID)
				return nil
			}

			path := output
			if path == "" {
				path = filepath.Join("rollbacks", sessionID+".csv")
			}
			if err := plan.WriteFile(path); err != nil {
				return err
			}

			fmt.Printf("Rollback written to %s\n", path)
			fmt.Printf("  delete:   %d\n", plan.Deletes)
			fmt.Printf("  restore:  %d\n", plan.Restores)
			fmt.Printf("  recreate: %d\n", plan.Recreates)
			if plan.Skipped > 0 {
				fmt.Printf("  skipped:  %d (no usable before snapshot)\n", plan.Skipped)
			}
			fmt.Printf("\nApply it with: ipamctl apply %s --allow-dangerous\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default rollbacks/<session-id>.csv)")

	return cmd
}
