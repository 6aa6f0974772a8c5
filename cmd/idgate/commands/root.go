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
		Use:   "idgate",
		Short: "IdentiGate - Identity Provisioning Gateway",
		Long: `IdentiGate provisions identity accounts from a central hub to downstream
target systems.

Features:
  - Rule-based per-target attribute computation
  - Sequential multi-target provisioning with compensating rollback
  - Multi-level approval workflows with single-use email tokens
  - Hub/target reconciliation with discrepancy resolution
  - Append-only audit trail`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "idgate.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newOperationsCommand())
	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
