package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ipamctl/ipamctl/pkg/config"
	"github.com/ipamctl/ipamctl/pkg/engine"
	"github.com/ipamctl/ipamctl/pkg/policy"
	"github.com/ipamctl/ipamctl/pkg/telemetry"
)

func newPolicyCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test safety policies",
		Long: `Inspect the safety policies that gate mutations: the built-in
protected-type rules plus any operator Rego policies configured under
policy.paths.`,
	}

	cmd.AddCommand(newPolicyListCommand(version))
	cmd.AddCommand(newPolicyTestCommand(version))

	return cmd
}

// openPolicyEngine builds a standalone policy engine from the local
// config and catalog, without a remote connection or session store.
func openPolicyEngine(ctx context.Context, version string, allowDangerous bool) (*policy.Engine, *config.Config, *telemetry.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, _, err := newTelemetry(cfg, version)
	if err != nil {
		return nil, nil, nil, err
	}
	catalog, err := loadCatalog(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	safety, err := policy.NewEngine(catalog, cfg.Policy.AllowDangerous || allowDangerous, logger.Zerolog())
	if err != nil {
		return nil, nil, nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := safety.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			_ = safety.Close()
			return nil, nil, nil, err
		}
	}
	return safety, cfg, logger, nil
}

func newPolicyListCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			safety, _, _, err := openPolicyEngine(ctx, version, false)
			if err != nil {
				return err
			}
			defer safety.Close()

			policies := safety.ListPolicies()

			if jsonOutput {
				out, err := json.MarshalIndent(policies, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode policies: %w", err)
				}
				fmt.Println(string(out))
				return nil
			}

			if len(policies) == 0 {
				fmt.Println("No policies loaded")
				return nil
			}
			fmt.Printf("%-28s %-9s %-8s %s\n", "NAME", "SEVERITY", "ENABLED", "DESCRIPTION")
			for _, p := range policies {
				fmt.Printf("%-28s %-9s %-8v %s\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			return nil
		},
	}

	return cmd
}

func newPolicyTestCommand(version string) *cobra.Command {
	var (
		resourceType   string
		action         string
		allowDangerous bool
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check whether a mutation would be allowed",
		Example: `  # Would deleting a network be blocked?
  ipamctl policy test --type network --action delete

  # Same check with the safety override
  ipamctl policy test --type network --action delete --allow-dangerous`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind engine.OperationKind
			switch action {
			case "create":
				kind = engine.OperationCreate
			case "update":
				kind = engine.OperationUpdate
			case "delete":
				kind = engine.OperationDelete
			default:
				return fmt.Errorf("invalid action %q: must be create, update or delete", action)
			}

			ctx := cmd.Context()
			safety, _, _, err := openPolicyEngine(ctx, version, allowDangerous)
			if err != nil {
				return err
			}
			defer safety.Close()

			if err := safety.Check(ctx, resourceType, kind); err != nil {
				fmt.Printf("denied: %s %s: %v\n", action, resourceType, err)
				return fmt.Errorf("operation denied by policy")
			}
			fmt.Printf("allowed: %s %s\n", action, resourceType)
			return nil
		},
	}

	cmd.Flags().StringVar(&resourceType, "type", "", "resource type to test (required)")
	cmd.Flags().StringVar(&action, "action", "delete", "mutation kind: create, update or delete")
	cmd.Flags().BoolVar(&allowDangerous, "allow-dangerous", false, "test with the protected-type override active")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}
