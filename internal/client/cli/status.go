package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/sessionguard/internal/apperr"
)

func (c *Cli) statusCommand() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, connectivity and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if probe {
				c.app.Monitor.Refresh(cmd.Context())
			}
			st := c.app.Status()

			c.io.Println("=== Session ===")
			if st.Session.Credential == nil {
				c.io.Println("Status: Not authenticated")
				if st.Session.LastError != apperr.KindNone {
					c.io.Printf("Last error: %s\n", st.Session.LastError)
				}
			} else {
				cred := st.Session.Credential
				remaining := time.Until(cred.ExpiresAt)
				if st.Session.IsAuthenticated && remaining > 0 {
					c.io.Println("Status: Authenticated")
				} else {
					c.io.Println("Status: Access token expired (will refresh on next request)")
				}
				c.io.Printf("Username: %s\n", cred.Identity.Username)
				c.io.Printf("Token expires: %s (%s)\n", cred.ExpiresAt.Format(time.RFC3339), formatRemaining(remaining))
				if st.Session.LastLoginAt != nil {
					c.io.Printf("Logged in at: %s\n", st.Session.LastLoginAt.Format(time.RFC3339))
				}
			}

			c.io.Println()
			c.io.Println("=== Connectivity ===")
			if probe {
				conn := st.Connectivity
				c.io.Printf("Online: %t\n", conn.IsOnline())
				c.io.Printf("Type: %s\n", conn.Kind())
				c.io.Printf("Internet reachable: %s\n", conn.IsInternetReachable)
			} else {
				c.io.Println("Not probed (use --probe)")
			}

			c.io.Println()
			c.io.Println("=== Offline queue ===")
			c.io.Printf("Pending submissions: %d\n", st.QueueLen)
			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "query connectivity before printing")
	return cmd
}
