package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/identigate/identigate/pkg/stores"
)

const sampleConfig = `store:
  path: idgate.db

rules:
  path: rules.yaml
  watch: true

workflow:
  timeout_hours: 72
  base_url: https://idgate.example.com
  levels:
    - name: manager
      approver_type: manager
      required_approvals: 1
  approvers:
    manager:
      - manager@example.com

targets:
  - name: ldap
    type: memory
  - name: sql
    type: memory

telemetry:
  logging:
    level: info
    format: json
    output: stderr
  metrics:
    enabled: true
    namespace: identigate
`

const sampleRules = `rules:
  - id: ldap-uid
    name: ldap-uid
    type: calculation
    target_system: ldap
    target_attribute: uid
    expression: "{{ generate_login(firstname, lastname) }}"
    priority: 100

  - id: ldap-mail
    name: ldap-mail
    type: calculation
    target_system: ldap
    target_attribute: mail
    expression: "{{ generate_email(uid, 'example.com') }}"
    priority: 90

  - id: sql-username
    name: sql-username
    type: calculation
    target_system: sql
    target_attribute: username
    expression: "{{ firstname | lower }}"
    priority: 100

  - id: odoo-login
    name: odoo-login
    type: calculation
    target_system: odoo
    target_attribute: login
    expression: "{{ email | lower }}"
    priority: 100

# Policies name subsets of the catalog; a provisioning request that carries
# --policy is calculated from that policy's rules only.
policies:
  - id: directory-only
    name: Directory only
    target_systems: [ldap]
    rules: [ldap-uid, ldap-mail]
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a gateway workspace",
		Long: `Initialize a gateway workspace: write a sample configuration and rules
file next to the database and run the schema migrations.`,
		Example: `  # Initialize with defaults
  idgate init

  # Overwrite existing files
  idgate init --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("config", configPath).Msg("Initializing workspace")

			files := map[string]string{
				configPath:   sampleConfig,
				"rules.yaml": sampleRules,
			}
			for path, content := range files {
				if _, err := os.Stat(path); err == nil && !force {
					fmt.Printf("- %s already exists, skipping (use --force to overwrite)\n", path)
					continue
				}
				if err := os.WriteFile(path, []byte(content), 0600); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				fmt.Printf("✓ Wrote %s\n", path)
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: "idgate.db"})
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return err
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Println("✓ Database initialized: idgate.db")
			fmt.Println("\nNext: edit the config, then try")
			fmt.Println("  idgate provision --account emp-1 --type create --target ldap --attr firstname=Jean --attr lastname=Dupont")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}
