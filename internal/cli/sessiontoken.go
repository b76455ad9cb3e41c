package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planvia/planvia/internal/crmsrv/auth"
	"github.com/planvia/planvia/internal/crmsrv/config"
	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

// newIssueTokenCmd issues a session token signed with the configured secret.
// Meant for development and smoke tests against a local server.
func newIssueTokenCmd() *cobra.Command {
	var userID string
	var tenantID string
	var validity string

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a session token for a user and tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return fmt.Errorf("a server configuration file is required (--config)")
			}
			if err := config.LoadConfig(configFile); err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if userID == "" {
				return fmt.Errorf("a user is required (--user)")
			}

			d, err := config.ParseDuration(validity)
			if err != nil {
				return fmt.Errorf("invalid validity: %w", err)
			}

			token, err := auth.CreateSessionToken(userID, crmcommon.TenantId(tenantID), d)
			if err != nil {
				return fmt.Errorf("creating token: %w", err)
			}

			if jsonOutput {
				printJSON(map[string]string{"token": token})
				return nil
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID for the token subject")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Application tenant ID claim; may be omitted to mint a tenant-less token")
	cmd.Flags().StringVar(&validity, "validity", "12h", "Token validity, e.g. 1h, 12h, 7d")
	return cmd
}
