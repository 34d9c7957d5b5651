package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

func newPlanCommand(version string) *cobra.Command {
	var (
		strict         bool
		noCache        bool
		allowDangerous bool
		dotFile        string
	)

	cmd := &cobra.Command{
		Use:   "plan [files...]",
		Short: "Show the execution plan without applying it",
		Long: `Diff the CSV inputs against the current remote state and print the
batched execution plan: which mutations would run, in what order, and
which rows resolve to no-ops or fail validation. Nothing is written.`,
		Example: `  # Preview what apply would do
  ipamctl plan changes.csv

  # Export the dependency graph for Graphviz
  ipamctl plan changes.csv --dot deps.dot`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, version, runtimeOptions{AllowDangerous: allowDangerous})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			records, rowErrs, err := rt.loadRecords(ctx, args, strict)
			if err != nil {
				return err
			}
			for i := range rowErrs {
				rt.logger.WithField("error", rowErrs[i].Error()).Warn("input row rejected")
			}
			if len(records) == 0 {
				return fmt.Errorf("no usable records in input")
			}

			runCfg := rt.cfg.RunnerConfig()
			runCfg.SessionID = "plan"
			runCfg.DryRun = true

			runner := engine.NewRunner(rt.runnerDeps(noCache), runCfg)
			plan, graph, preResults, err := runner.Plan(ctx, records)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write graph: %w", err)
				}
				fmt.Printf("Dependency graph written to %s\n", dotFile)
			}

			if jsonOutput {
				out, err := json.MarshalIndent(struct {
					Plan       *engine.ExecutionPlan    `json:"plan"`
					PreResults []engine.OperationResult `json:"pre_results,omitempty"`
				}{plan, preResults}, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode plan: %w", err)
				}
				fmt.Println(string(out))
				return planExitError(preResults)
			}

			printPlan(plan, preResults, len(rowErrs))
			return planExitError(preResults)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail on the first rejected input row")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the persistent resolver cache")
	cmd.Flags().BoolVar(&allowDangerous, "allow-dangerous", false, "permit deletion of protected resource types")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format to this file")

	return cmd
}

func planExitError(preResults []engine.OperationResult) error {
	invalid := 0
	for i := range preResults {
		if !preResults[i].Success {
			invalid++
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d records failed validation", invalid)
	}
	return nil
}

func printPlan(plan *engine.ExecutionPlan, preResults []engine.OperationResult, rejectedRows int) {
	fmt.Printf("Plan: %d operations (%d create, %d update, %d delete) in %d batches\n",
		plan.Summary.Total, plan.Summary.Creates, plan.Summary.Updates, plan.Summary.Deletes,
		plan.Summary.DeleteBatches+plan.Summary.ApplyBatches)

	for _, batch := range plan.Batches {
		fmt.Printf("\nBatch %d (%s, depth %d):\n", batch.Seq, batch.Phase, batch.Depth)
		for _, op := range batch.Operations {
			fmt.Printf("  %-6s %-14s %s\n", op.Kind, op.ResourceType, op.Path)
		}
	}

	noops, invalid := 0, 0
	for i := range preResults {
		if preResults[i].Success {
			noops++
		} else {
			invalid++
		}
	}
	if noops > 0 || invalid > 0 || rejectedRows > 0 {
		fmt.Println()
	}
	if noops > 0 {
		fmt.Printf("%d records already match the remote state\n", noops)
	}
	if rejectedRows > 0 {
		fmt.Printf("%d input rows were rejected before planning\n", rejectedRows)
	}
	if invalid > 0 {
		fmt.Printf("%d records failed validation:\n", invalid)
		for i := range preResults {
			res := &preResults[i]
			if res.Success || res.Error == nil {
				continue
			}
			fmt.Printf("  %s %s: %s\n", res.ResourceType, res.Path, res.Error.Message)
		}
	}
}
