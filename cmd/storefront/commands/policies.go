package commands

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/storefront/pkg/config"
	"github.com/openfroyo/storefront/pkg/policy"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect install eligibility policies",
	}
	cmd.AddCommand(newPoliciesListCommand())
	cmd.AddCommand(newPoliciesShowCommand())
	cmd.AddCommand(newPoliciesCheckCommand())
	return cmd
}

// configurePolicies loads the custom policy sources and disables the
// policies cfg names.
func configurePolicies(ctx context.Context, engine *policy.Engine, cfg config.PoliciesConfig) error {
	if len(cfg.Paths) > 0 || len(cfg.Bundles) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.Paths, cfg.Bundles...); err != nil {
			return err
		}
	}
	return disablePolicies(engine, cfg.Disabled)
}

func disablePolicies(engine *policy.Engine, names []string) error {
	for _, name := range names {
		if err := engine.DisablePolicy(name); err != nil {
			return fmt.Errorf("policies.disabled: %w", err)
		}
	}
	return nil
}

// newPolicyEngine builds the engine without opening the store.
func newPolicyEngine(cmd *cobra.Command) (*policy.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(logger.NewComponentLogger("policy").Zerolog(), policy.Config{
		Platform:               runtime.GOOS,
		AllowInsecureManifests: cfg.Policies.AllowInsecureManifests,
	})
	if err != nil {
		return nil, err
	}
	if err := configurePolicies(cmd.Context(), engine, cfg.Policies); err != nil {
		return nil, err
	}
	return engine, nil
}

func newPoliciesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and custom policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newPolicyEngine(cmd)
			if err != nil {
				return err
			}

			policies := engine.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tBUILTIN\tENABLED\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", p.Name, p.Severity, p.Builtin, p.Enabled, p.Description)
			}
			return w.Flush()
		},
	}
}

func newPoliciesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a policy and its Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newPolicyEngine(cmd)
			if err != nil {
				return err
			}
			p, err := engine.GetPolicy(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}

			fmt.Printf("Name:        %s\n", p.Name)
			fmt.Printf("Description: %s\n", p.Description)
			fmt.Printf("Severity:    %s\n", p.Severity)
			fmt.Printf("Builtin:     %t\n", p.Builtin)
			fmt.Printf("Enabled:     %t\n", p.Enabled)
			if len(p.Tags) > 0 {
				fmt.Printf("Tags:        %s\n", strings.Join(p.Tags, ", "))
			}
			fmt.Printf("\n%s\n", strings.TrimSpace(p.Rego))
			return nil
		},
	}
}

func newPoliciesCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <product.json>",
		Short: "Evaluate the policies against a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			product, err := readProduct(args[0])
			if err != nil {
				return err
			}
			engine, err := newPolicyEngine(cmd)
			if err != nil {
				return err
			}

			result, err := engine.Evaluate(cmd.Context(), product)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}

			for _, v := range result.Violations {
				fmt.Printf("✗ %s: %s\n", v.Policy, v.Message)
			}
			for _, v := range result.Warnings {
				fmt.Printf("! %s: %s\n", v.Policy, v.Message)
			}
			if len(result.Errors) > 0 {
				fmt.Printf("Evaluation errors: %s\n", strings.Join(result.Errors, "; "))
			}
			if !result.Allowed {
				return fmt.Errorf("%s is not eligible for install", product.Slug)
			}
			fmt.Printf("✓ %s is eligible (%d policies evaluated)\n", product.Slug, len(result.EvaluatedPolicies))
			return nil
		},
	}
}
