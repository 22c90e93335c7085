package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *Cli) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and drop queued submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dropped := c.app.Queue.Len()

			if err := c.app.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("logout failed: %w", err)
			}

			c.io.Println("✓ Logout successful!")
			if dropped > 0 {
				c.io.Printf("%d queued submission(s) were discarded.\n", dropped)
			}
			return nil
		},
	}
}
