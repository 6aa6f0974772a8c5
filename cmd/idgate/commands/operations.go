package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/identigate/identigate/pkg/core"
)

func newOperationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "Inspect provisioning operations",
	}

	cmd.AddCommand(newOperationsListCommand())
	cmd.AddCommand(newOperationsShowCommand())

	return cmd
}

func newOperationsListCommand() *cobra.Command {
	var (
		accountID string
		status    string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations, newest first",
		Example: `  # All recent operations
  idgate operations list

  # Failed operations for one account
  idgate operations list --account emp-1042 --status failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			ops, err := app.gateway.Operations(ctx, accountID, core.OperationStatus(status), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(ops)
			}
			if len(ops) == 0 {
				fmt.Println("No operations found")
				return nil
			}
			for _, op := range ops {
				fmt.Printf("%s  %-8s %-18s %s -> %v\n",
					op.CreatedAt.Format("2006-01-02 15:04:05"), op.Type, op.Status, op.AccountID, op.TargetSystems)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "filter by account id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum operations to list")

	return cmd
}

func newOperationsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show one operation and its rollback log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			op, err := app.gateway.Operation(ctx, args[0])
			if err != nil {
				return err
			}
			actions, err := app.gateway.RollbackActions(ctx, op.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"operation": op, "rollback_actions": actions})
			}

			fmt.Printf("Operation:  %s\n", op.ID)
			fmt.Printf("Type:       %s\n", op.Type)
			fmt.Printf("Account:    %s\n", op.AccountID)
			fmt.Printf("Status:     %s\n", op.Status)
			fmt.Printf("Targets:    %v\n", op.TargetSystems)
			for target, attrs := range op.CalculatedAttributes {
				fmt.Printf("Attributes[%s]: %v\n", target, attrs)
			}
			for _, msg := range op.Errors {
				fmt.Printf("Error:      %s\n", msg)
			}
			if len(actions) > 0 {
				fmt.Println("Rollback log:")
				for _, action := range actions {
					state := "recorded"
					if action.Executed {
						state = "executed"
					}
					fmt.Printf("  %-8s %-10s %s\n", action.ActionType, state, action.TargetSystem)
				}
			}
			return nil
		},
	}

	return cmd
}
