package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	var (
		accountID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail, newest first",
		Example: `  # Everything recorded for one account
  idgate audit --account emp-1042`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			events, err := app.store.ListAuditEvents(ctx, accountID, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(events)
			}
			if len(events) == 0 {
				fmt.Println("No audit events found")
				return nil
			}
			for _, e := range events {
				fmt.Printf("%s  %-28s %-10s %s %s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, e.Outcome, e.AccountID, e.Resource)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "filter by account id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")

	return cmd
}
