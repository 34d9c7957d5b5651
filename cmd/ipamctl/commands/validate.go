package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ipamctl/ipamctl/pkg/ingest"
)

func newValidateCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <files...>",
		Short: "Check CSV inputs without touching the remote store",
		Long: `Parse the CSV inputs and validate every row against the resource
catalog: known types, legal actions, unique ids, required fields and
field-level syntax. If a transform script is configured it runs too,
so script errors surface here instead of mid-apply.

Validation is fully offline. No remote connection is made and no
session state is written.`,
		Example: `  # Validate before applying
  ipamctl validate changes.csv

  # Validate several drops at once
  ipamctl validate inbox/*.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, _, err := newTelemetry(cfg, version)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(ctx, cfg)
			if err != nil {
				return err
			}

			records, rowErrs, err := readInputFiles(args, cfg, catalog, logger, false)
			if err != nil {
				return err
			}

			if script := cfg.Ingest.Transform.Script; script != "" {
				src, err := os.ReadFile(script)
				if err != nil {
					return fmt.Errorf("failed to read transform script: %w", err)
				}
				transform, err := ingest.NewStarlarkTransform(string(src), cfg.Ingest.Transform.Timeout)
				if err != nil {
					return fmt.Errorf("failed to compile transform script: %w", err)
				}
				if records, err = ingest.TransformRecords(ctx, transform, records); err != nil {
					return fmt.Errorf("transform failed: %w", err)
				}
			}

			byType := map[string]int{}
			for i := range records {
				byType[records[i].ResourceType]++
			}

			if jsonOutput {
				msgs := make([]string, 0, len(rowErrs))
				for i := range rowErrs {
					msgs = append(msgs, rowErrs[i].Error())
				}
				out, err := json.MarshalIndent(struct {
					Records int            `json:"records"`
					ByType  map[string]int `json:"by_type"`
					Errors  []string       `json:"errors,omitempty"`
				}{len(records), byType, msgs}, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode result: %w", err)
				}
				fmt.Println(string(out))
			} else {
				fmt.Printf("Validated %d records from %d file(s)\n", len(records), len(args))
				types := make([]string, 0, len(byType))
				for t := range byType {
					types = append(types, t)
				}
				sort.Strings(types)
				for _, t := range types {
					fmt.Printf("  %-14s %d\n", t, byType[t])
				}
				for i := range rowErrs {
					fmt.Printf("  error: %s\n", rowErrs[i].Error())
				}
			}

			if len(rowErrs) > 0 {
				return fmt.Errorf("%d rows failed validation", len(rowErrs))
			}
			return nil
		},
	}

	return cmd
}
