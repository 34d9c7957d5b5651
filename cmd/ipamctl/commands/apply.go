package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ipamctl/ipamctl/pkg/engine"
	"github.com/ipamctl/ipamctl/pkg/rollback"
	"github.com/ipamctl/ipamctl/pkg/stores"
)

func newApplyCommand(version string) *cobra.Command {
	var (
		dryRun         bool
		strict         bool
		resume         bool
		noResume       bool
		noCache        bool
		allowDangerous bool
		genRollback    bool
		rollbackDir    string
	)

	cmd := &cobra.Command{
		Use:   "apply [files...]",
		Short: "Reconcile CSV inputs against the remote store",
		Long: `Reconcile the desired state described by CSV inputs against the
address-manager.

This command:
  - Parses and validates the input rows against the resource catalog
  - Diffs each record against the current remote state
  - Orders the mutations along parent and reference dependencies
  - Executes them in parallel batches with adaptive throttling
  - Checkpoints progress so an interrupted run can resume
  - Generates a rollback CSV for the session's mutations`,
		Example: `  # Apply a CSV file
  ipamctl apply changes.csv

  # Simulate without touching the remote store
  ipamctl apply changes.csv --dry-run

  # Resume the interrupted session for the same input
  ipamctl apply changes.csv --resume

  # Permit protected deletions (blocks, networks, zones)
  ipamctl apply teardown.csv --allow-dangerous`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if resume && noResume {
				return fmt.Errorf("--resume and --no-resume are mutually exclusive")
			}

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

			session, resuming, err := openSession(ctx, rt, records, args, resume, noResume)
			if err != nil {
				return err
			}

			runCfg := rt.cfg.RunnerConfig()
			runCfg.SessionID = session.ID
			runCfg.DryRun = dryRun
			runCfg.Resume = resuming

			runner := engine.NewRunner(rt.runnerDeps(noCache), runCfg)

			ctx, span := rt.tracer.StartSessionSpan(ctx, session.ID, dryRun)
			defer span.End()

			rt.metrics.RecordRunStarted(dryRun)
			result, runErr := runner.Run(ctx, records)
			rt.metrics.RecordRunCompleted(string(result.Status), result.Duration)

			closeSession(context.WithoutCancel(ctx), rt, session.ID, result)

			if jsonOutput {
				out, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode result: %w", err)
				}
				fmt.Println(string(out))
			} else {
				printRunResult(result, len(rowErrs))
			}

			if genRollback && !dryRun && result.Summary.Succeeded > 0 {
				if err := writeRollback(context.WithoutCancel(ctx), rt, session.ID, rollbackDir); err != nil {
					rt.logger.WithError(err).Warn("rollback generation failed")
				}
			}

			if result.Status == engine.RunStatusCancelled {
				fmt.Printf("\nRun interrupted. Resume it with: ipamctl apply %s --resume\n", strings.Join(args, " "))
				return runErr
			}
			if result.Summary.Failed > 0 || result.Summary.Invalid > 0 {
				return fmt.Errorf("run %s: %d failed, %d invalid, %d skipped",
					result.Status, result.Summary.Failed, result.Summary.Invalid, result.Summary.Skipped)
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and simulate without remote writes")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail on the first rejected input row")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the incomplete session for this input")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "start fresh, cancelling any incomplete session for this input")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the persistent resolver cache")
	cmd.Flags().BoolVar(&allowDangerous, "allow-dangerous", false, "permit deletion of protected resource types")
	cmd.Flags().BoolVar(&genRollback, "rollback", true, "generate a rollback CSV after the run")
	cmd.Flags().StringVar(&rollbackDir, "rollback-dir", "rollbacks", "directory for generated rollback files")

	return cmd
}

// openSession creates a session for the run, or selects the incomplete
// one matching the input when resuming.
func openSession(ctx context.Context, rt *runtime, records []engine.Record, files []string, resume, noResume bool) (*stores.Session, bool, error) {
	inputHash := engine.InputHash(records)

	previous, err := rt.store.FindResumable(ctx, inputHash)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up resumable sessions: %w", err)
	}

	if resume {
		if previous == nil {
			return nil, false, fmt.Errorf("no incomplete session found for this input")
		}
		if err := rt.store.UpdateSessionStatus(ctx, previous.ID, stores.SessionStatusRunning, nil); err != nil {
			return nil, false, err
		}
		rt.logger.WithSessionID(previous.ID).Info("resuming session")
		return previous, true, nil
	}

	if previous != nil {
		if noResume {
			if err := rt.store.UpdateSessionStatus(ctx, previous.ID, stores.SessionStatusCancelled, nil); err != nil {
				return nil, false, err
			}
			rt.logger.WithSessionID(previous.ID).Info("incomplete session cancelled")
		} else {
			rt.logger.WithSessionID(previous.ID).
				Warn("an incomplete session exists for this input, pass --resume to continue it")
		}
	}

	now := time.Now().UTC()
	session := &stores.Session{
		ID:              uuid.New().String(),
		InputHash:       inputHash,
		Source:          strings.Join(files, ","),
		Status:          stores.SessionStatusRunning,
		TotalOperations: len(records),
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := rt.store.CreateSession(ctx, session); err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return session, false, nil
}

// closeSession records the run outcome. A cancelled run keeps its
// session in the running state so it stays resumable.
func closeSession(ctx context.Context, rt *runtime, sessionID string, result *engine.RunResult) {
	switch result.Status {
	case engine.RunStatusSucceeded:
		if err := rt.store.UpdateSessionStatus(ctx, sessionID, stores.SessionStatusCompleted, nil); err != nil {
			rt.logger.WithError(err).Warn("failed to update session status")
		}
	case engine.RunStatusCancelled:
		rt.logger.WithSessionID(sessionID).Info("session left open for resume")
	default:
		msg := fmt.Sprintf("%d failed, %d invalid, %d skipped",
			result.Summary.Failed, result.Summary.Invalid, result.Summary.Skipped)
		if err := rt.store.UpdateSessionStatus(ctx, sessionID, stores.SessionStatusFailed, &msg); err != nil {
			rt.logger.WithError(err).Warn("failed to update session status")
		}
	}
}

// writeRollback generates the inverse plan for the session and writes
// it next to the other rollback files.
func writeRollback(ctx context.Context, rt *runtime, sessionID, dir string) error {
	generator, err := rollback.NewGenerator(rt.store, rt.catalog, rt.logger.Zerolog())
	if err != nil {
		return err
	}
	plan, err := generator.Generate(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(plan.Rows) == 0 {
		return nil
	}
	path := filepath.Join(dir, sessionID+".csv")
	if err := plan.WriteFile(path); err != nil {
		return err
	}
	fmt.Printf("\nRollback written to %s (%d operations)\n", path, len(plan.Rows))
	fmt.Printf("Undo this session with: ipamctl apply %s --allow-dangerous\n", path)
	return nil
}

func printRunResult(result *engine.RunResult, rejectedRows int) {
	fmt.Printf("\nSession %s: %s", result.SessionID, result.Status)
	if result.DryRun {
		fmt.Print(" (dry run)")
	}
	fmt.Println()
	fmt.Printf("  succeeded: %d\n", result.Summary.Succeeded)
	fmt.Printf("  noop:      %d\n", result.Summary.Noops)
	if result.Summary.Resumed > 0 {
		fmt.Printf("  resumed:   %d\n", result.Summary.Resumed)
	}
	if result.Summary.Failed > 0 {
		fmt.Printf("  failed:    %d\n", result.Summary.Failed)
	}
	if result.Summary.Skipped > 0 {
		fmt.Printf("  skipped:   %d\n", result.Summary.Skipped)
	}
	if result.Summary.Invalid > 0 {
		fmt.Printf("  invalid:   %d\n", result.Summary.Invalid)
	}
	if rejectedRows > 0 {
		fmt.Printf("  rejected rows: %d\n", rejectedRows)
	}
	fmt.Printf("  duration:  %s\n", result.Duration.Round(time.Millisecond))

	for i := range result.Results {
		res := &result.Results[i]
		if res.Error == nil {
			continue
		}
		fmt.Printf("  %s %s %s: %s\n", res.Kind, res.ResourceType, res.Path, res.Error.Message)
	}
}
