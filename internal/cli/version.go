package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planvia/planvia/internal/crmsrv/crmcommon"
)

// newVersionCmd prints the CLI and server version.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"serverVersion": crmcommon.ServerVersion,
					"apiVersion":    crmcommon.ApiVersion,
				})
				return
			}
			fmt.Printf("planvia-admin %s (api %s)\n", crmcommon.ServerVersion, crmcommon.ApiVersion)
		},
	}
}
