package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/planvia/planvia/internal/crmsrv/auth"
)

// newHashAdminTokenCmd hashes an admin token for the server configuration.
// The token is read from stdin so it never appears in shell history.
func newHashAdminTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-token",
		Short: "Hash an admin token for auth.admin_token_hash",
		Long: `Reads an admin token from stdin and prints the argon2id hash to put in
auth.admin_token_hash in the server configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Admin token: ")
			reader := bufio.NewReader(os.Stdin)
			token, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}
			token = strings.TrimRight(token, "\r\n")
			if token == "" {
				return fmt.Errorf("token must not be empty")
			}

			hash, err := auth.HashAdminToken(token)
			if err != nil {
				return fmt.Errorf("hashing token: %w", err)
			}

			if jsonOutput {
				printJSON(map[string]string{"adminTokenHash": hash})
				return nil
			}
			okLabel.Fprintln(os.Stderr, "Add to crmsrv.conf under [auth]:")
			fmt.Printf("admin_token_hash = %q\n", hash)
			return nil
		},
	}
}
