package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/identigate/identigate/pkg/core"
)

// requestFile is the YAML shape accepted by provision --file.
type requestFile struct {
	AccountID       string         `yaml:"account_id"`
	OperationType   string         `yaml:"operation_type"`
	TargetSystems   []string       `yaml:"target_systems"`
	Attributes      map[string]any `yaml:"attributes"`
	PolicyID        string         `yaml:"policy_id"`
	RequireApproval bool           `yaml:"require_approval"`
	Requester       string         `yaml:"requester"`
	CorrelationID   string         `yaml:"correlation_id"`
}

func newProvisionCommand() *cobra.Command {
	var (
		requestPath     string
		accountID       string
		opType          string
		targets         []string
		attrs           []string
		policyID        string
		requireApproval bool
		requester       string
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision an account to target systems",
		Long: `Provision an account change to one or more target systems.

Attributes are computed per target from the configured rules, frozen on the
operation, and applied in target order. A failure on any target rolls the
earlier targets back. With --require-approval the operation is suspended on
an approval workflow before any target is touched.`,
		Example: `  # Create an account on ldap and sql
  idgate provision --account emp-1042 --type create --target ldap --target sql \
    --attr firstname=Jean --attr lastname=Dupont

  # Delete with a manager approval gate
  idgate provision --account emp-1042 --type delete --target ldap --require-approval

  # Submit a request file instead of flags
  idgate provision -f request.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &core.ProvisioningRequest{
				AccountID:       accountID,
				OperationType:   core.OperationType(opType),
				TargetSystems:   targets,
				RequireApproval: requireApproval,
				Requester:       requester,
			}
			if requestPath != "" {
				raw, err := os.ReadFile(requestPath)
				if err != nil {
					return fmt.Errorf("failed to read request file: %w", err)
				}
				var rf requestFile
				if err := yaml.Unmarshal(raw, &rf); err != nil {
					return fmt.Errorf("failed to parse request file: %w", err)
				}
				req = &core.ProvisioningRequest{
					AccountID:       rf.AccountID,
					OperationType:   core.OperationType(rf.OperationType),
					TargetSystems:   rf.TargetSystems,
					Attributes:      rf.Attributes,
					PolicyID:        rf.PolicyID,
					RequireApproval: rf.RequireApproval,
					Requester:       rf.Requester,
					CorrelationID:   rf.CorrelationID,
				}
			} else {
				attributes, err := parseAttrs(attrs)
				if err != nil {
					return err
				}
				req.Attributes = attributes
			}

			log.Info().
				Str("account", req.AccountID).
				Str("type", string(req.OperationType)).
				Strs("targets", req.TargetSystems).
				Bool("require_approval", req.RequireApproval).
				Msg("Submitting provisioning request")

			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			resp, execErr := app.gateway.Provision(ctx, req)
			if resp == nil {
				return execErr
			}
			if jsonOutput {
				return printJSON(resp)
			}

			fmt.Printf("Operation %s: %s\n", resp.OperationID, resp.Status)
			if resp.WorkflowInstanceID != "" {
				fmt.Printf("Awaiting approval on workflow %s\n", resp.WorkflowInstanceID)
			}
			for _, result := range resp.Results {
				mark := "✓"
				if !result.Success {
					mark = "✗"
				}
				fmt.Printf("  %s %s\n", mark, result.TargetSystem)
				if result.Error != "" {
					fmt.Printf("    error: %s\n", result.Error)
				}
			}
			for _, msg := range resp.Errors {
				fmt.Printf("  ! %s\n", msg)
			}
			return execErr
		},
	}

	cmd.Flags().StringVarP(&requestPath, "file", "f", "", "YAML request file (overrides the request flags)")
	cmd.Flags().StringVar(&accountID, "account", "", "hub account id")
	cmd.Flags().StringVar(&opType, "type", "create", "operation type: create, update, delete, disable, enable")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "target system (repeatable, applied in order)")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "source attribute key=value (repeatable)")
	cmd.Flags().StringVar(&policyID, "policy", "", "restrict calculation to one policy's rules")
	cmd.Flags().BoolVar(&requireApproval, "require-approval", false, "suspend on an approval workflow")
	cmd.Flags().StringVar(&requester, "requester", "", "requesting principal")

	return cmd
}
