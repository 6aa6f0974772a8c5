package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/identigate/identigate/pkg/core"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare hub identities against target systems",
	}

	cmd.AddCommand(newReconcileRunCommand())
	cmd.AddCommand(newReconcileStatusCommand())
	cmd.AddCommand(newReconcileResolveCommand())

	return cmd
}

func newReconcileRunCommand() *cobra.Command {
	var (
		targets   []string
		startedBy string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a reconciliation job and wait for it",
		Long: `Start a reconciliation job over the given targets. Every hub identity is
compared against the target's accounts through the configured attribute
mappings; missing accounts, orphans, and attribute mismatches are recorded
as discrepancies for later resolution.`,
		Example: `  # Reconcile ldap and sql
  idgate reconcile run --target ldap --target sql`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			job, err := app.reconciler.StartJob(ctx, targets, startedBy)
			if err != nil {
				return err
			}
			log.Info().Str("job", job.ID).Strs("targets", targets).Msg("Reconciliation started")
			app.reconciler.Wait()

			job, err = app.store.GetJob(ctx, job.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(job)
			}
			fmt.Printf("Job %s: %s\n", job.ID, job.Status)
			fmt.Printf("  accounts:      %d\n", job.TotalAccounts)
			fmt.Printf("  discrepancies: %d\n", job.DiscrepanciesFound)
			for _, itemErr := range job.Errors {
				fmt.Printf("  ! %s/%s: %s\n", itemErr.TargetSystem, itemErr.AccountID, itemErr.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&targets, "target", nil, "target system to reconcile (repeatable)")
	cmd.Flags().StringVar(&startedBy, "by", "cli", "principal starting the job")
	cmd.MarkFlagRequired("target")

	return cmd
}

func newReconcileStatusCommand() *cobra.Command {
	var unresolvedOnly bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its discrepancies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			job, err := app.store.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			discrepancies, err := app.store.ListDiscrepancies(ctx, job.ID, unresolvedOnly)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"job": job, "discrepancies": discrepancies})
			}

			fmt.Printf("Job %s: %s (started %s)\n", job.ID, job.Status,
				job.StartedAt.Format(time.RFC3339))
			fmt.Printf("  accounts: %d  discrepancies: %d\n", job.TotalAccounts, job.DiscrepanciesFound)
			for _, d := range discrepancies {
				state := "open"
				if d.Resolved {
					state = "resolved:" + string(d.Resolution)
				}
				fmt.Printf("  %s  %-18s %-12s %-10s %s\n",
					d.ID, d.Type, d.TargetSystem, state, d.AccountID)
				if d.Attribute != "" {
					fmt.Printf("      %s: hub=%v target=%v\n", d.Attribute, d.HubValue, d.TargetValue)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&unresolvedOnly, "unresolved", false, "show only unresolved discrepancies")

	return cmd
}

func newReconcileResolveCommand() *cobra.Command {
	var (
		action     string
		resolvedBy string
	)

	cmd := &cobra.Command{
		Use:   "resolve <discrepancy-id>",
		Short: "Resolve one discrepancy",
		Long: `Resolve a discrepancy. use_hub pushes the hub's value to the target,
use_target adopts the target's value into the hub, ignore and manual mark
the discrepancy resolved without touching either side. Resolving an
already-resolved discrepancy is a no-op.`,
		Args:    cobra.ExactArgs(1),
		Example: `  idgate reconcile resolve 41d2… --action use_hub --by ops@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			if err := app.reconciler.Resolve(ctx, args[0], core.ResolutionAction(action), resolvedBy); err != nil {
				return err
			}
			fmt.Printf("Discrepancy %s resolved with %s\n", args[0], action)
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "resolution action: use_hub, use_target, ignore, manual")
	cmd.Flags().StringVar(&resolvedBy, "by", "cli", "principal resolving the discrepancy")
	cmd.MarkFlagRequired("action")

	return cmd
}
