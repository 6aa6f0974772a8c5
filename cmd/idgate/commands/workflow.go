package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/identigate/identigate/pkg/core"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Act on approval workflows",
	}

	cmd.AddCommand(newWorkflowDecideCommand("approve", "Approve a pending workflow instance",
		core.ApprovalStatusApproved))
	cmd.AddCommand(newWorkflowDecideCommand("reject", "Reject a pending workflow instance",
		core.ApprovalStatusRejected))
	cmd.AddCommand(newWorkflowTokenCommand())
	cmd.AddCommand(newWorkflowCancelCommand())

	return cmd
}

func newWorkflowDecideCommand(verb, short string, decision core.ApprovalStatus) *cobra.Command {
	var (
		approver string
		comments string
	)

	cmd := &cobra.Command{
		Use:     verb + " <instance-id>",
		Short:   short,
		Args:    cobra.ExactArgs(1),
		Example: "  idgate workflow " + verb + " 6f1c0b… --approver manager@example.com",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			instance, err := app.gateway.Decide(ctx, args[0], approver, decision, comments)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(instance)
			}
			fmt.Printf("Workflow %s: %s (level %d of %d)\n",
				instance.ID, instance.Status, instance.CurrentLevel, instance.TotalLevels)
			return nil
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "approver id recording the decision")
	cmd.Flags().StringVar(&comments, "comments", "", "decision comments")
	cmd.MarkFlagRequired("approver")

	return cmd
}

func newWorkflowTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <token-value>",
		Short: "Resolve a single-use email approval token",
		Long: `Resolve a single-use approval token from an approval email. The token
carries the approver and the decision; it is consumed atomically and a
second use is refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			instance, err := app.gateway.ResolveApprovalToken(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(instance)
			}
			fmt.Printf("Workflow %s: %s\n", instance.ID, instance.Status)
			return nil
		},
	}

	return cmd
}

func newWorkflowCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a pending workflow and reject its operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			if err := app.gateway.CancelWorkflow(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Printf("Workflow %s cancelled\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation reason")

	return cmd
}
