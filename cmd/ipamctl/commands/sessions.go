package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipamctl/ipamctl/pkg/config"
	"github.com/ipamctl/ipamctl/pkg/stores"
	"github.com/ipamctl/ipamctl/pkg/telemetry"
)

func newSessionsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage run sessions",
		Long: `Inspect the local session store: past and in-flight runs, their
checkpoints and their per-operation changelog.`,
	}

	cmd.AddCommand(newSessionsListCommand(version))
	cmd.AddCommand(newSessionsShowCommand(version))
	cmd.AddCommand(newSessionsDeleteCommand(version))

	return cmd
}

// openLocalStore builds the minimal stack for commands that only read
// the session database: config, logger, store. No remote connection.
func openLocalStore(ctx context.Context, version string) (*config.Config, *telemetry.Logger, *stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, _, err := newTelemetry(cfg, version)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, store, nil
}

func newSessionsListCommand(version string) *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		Example: `  # The last 20 sessions
  ipamctl sessions list

  # Page through older history
  ipamctl sessions list --limit 50 --offset 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, store, err := openLocalStore(ctx, version)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(ctx, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(sessions, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode sessions: %w", err)
				}
				fmt.Println(string(out))
				return nil
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions recorded")
				return nil
			}
			fmt.Printf("%-38s %-10s %-20s %6s  %s\n", "ID", "STATUS", "STARTED", "OPS", "SOURCE")
			for _, s := range sessions {
				fmt.Printf("%-38s %-10s %-20s %6d  %s\n",
					s.ID, s.Status, s.StartedAt.Format("2006-01-02 15:04:05"),
					s.TotalOperations, s.Source)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of sessions to skip")

	return cmd
}

func newSessionsShowCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session with its checkpoints and changelog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, store, err := openLocalStore(ctx, version)
			if err != nil {
				return err
			}
			defer store.Close()

			session, err := store.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			checkpoints, err := store.ListCheckpoints(ctx, session.ID)
			if err != nil {
				return err
			}
			entries, err := store.ChangelogForSession(ctx, session.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(struct {
					Session     *stores.Session          `json:"session"`
					Checkpoints []*stores.Checkpoint     `json:"checkpoints,omitempty"`
					Changelog   []*stores.ChangelogEntry `json:"changelog,omitempty"`
				}{session, checkpoints, entries}, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode session: %w", err)
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("Session:  %s\n", session.ID)
			fmt.Printf("Status:   %s\n", session.Status)
			fmt.Printf("Source:   %s\n", session.Source)
			fmt.Printf("Started:  %s\n", session.StartedAt.Format("2006-01-02 15:04:05"))
			if session.CompletedAt != nil {
				fmt.Printf("Finished: %s (%s)\n",
					session.CompletedAt.Format("2006-01-02 15:04:05"),
					session.CompletedAt.Sub(session.StartedAt).Round(time.Millisecond))
			}
			if session.Error != nil {
				fmt.Printf("Error:    %s\n", *session.Error)
			}
			fmt.Printf("Planned:  %d operations, %d batches checkpointed\n",
				session.TotalOperations, len(checkpoints))

			succeeded, failed := 0, 0
			for _, e := range entries {
				if e.Success {
					succeeded++
				} else {
					failed++
				}
			}
			fmt.Printf("Applied:  %d succeeded, %d failed\n", succeeded, failed)
			for _, e := range entries {
				if e.Success || e.Error == nil {
					continue
				}
				fmt.Printf("  %s %s %s: %s\n", e.Kind, e.ResourceType, e.Path, *e.Error)
			}
			return nil
		},
	}

	return cmd
}

func newSessionsDeleteCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its checkpoints and changelog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, store, err := openLocalStore(ctx, version)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Session %s deleted\n", args[0])
			return nil
		},
	}

	return cmd
}
