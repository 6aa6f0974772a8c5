package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/rules"
	"github.com/identigate/identigate/pkg/telemetry"
)

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and try attribute rules",
	}

	cmd.AddCommand(newRulesListCommand())
	cmd.AddCommand(newRulesTestCommand())

	return cmd
}

func newRulesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the loaded rules per target system",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			snapshot := app.loader.Snapshot()
			if jsonOutput {
				listing := make(map[string][]core.Rule)
				for _, target := range snapshot.Targets() {
					listing[target] = snapshot.RulesFor(target)
				}
				return printJSON(listing)
			}

			fmt.Printf("Rule set %s\n", snapshot.Version())
			for _, target := range snapshot.Targets() {
				fmt.Printf("%s:\n", target)
				for _, rule := range snapshot.RulesFor(target) {
					fmt.Printf("  %4d  %-20s %s = %s\n",
						rule.Priority, rule.Name, rule.TargetAttribute, rule.Expression)
				}
			}
			if policies := snapshot.Policies(); len(policies) > 0 {
				fmt.Println("policies:")
				for _, p := range policies {
					fmt.Printf("  %-20s %v\n", p.ID, p.Rules)
				}
			}
			return nil
		},
	}

	return cmd
}

func newRulesTestCommand() *cobra.Command {
	var (
		expression string
		attrs      []string
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate a rule expression against sample attributes",
		Long: `Evaluate a rule expression against sample attributes without touching any
stored state. Useful to try an expression before adding it to the rules
file.`,
		Example: `  idgate rules test --expression "{{ generate_login(firstname, lastname) }}" \
    --attr firstname=Jean --attr lastname=Dupont`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, err := parseAttrs(attrs)
			if err != nil {
				return err
			}

			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
			if err != nil {
				return err
			}
			engine := rules.NewEngine(logger, nil)
			result := engine.TestRule(core.Rule{
				Name:            "cli-test",
				Type:            core.RuleTypeCalculation,
				TargetSystem:    "cli",
				TargetAttribute: "output",
				Expression:      expression,
				Status:          core.RuleStatusActive,
			}, sample)

			if jsonOutput {
				return printJSON(result)
			}
			if result.Err != "" {
				return fmt.Errorf("expression failed: %s", result.Err)
			}
			if !result.Applied {
				fmt.Println("Rule conditions not met; no output")
				return nil
			}
			fmt.Printf("%v\n", result.Output)
			return nil
		},
	}

	cmd.Flags().StringVar(&expression, "expression", "", "rule expression to evaluate")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "sample attribute key=value (repeatable)")
	cmd.MarkFlagRequired("expression")

	return cmd
}
