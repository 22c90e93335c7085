package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func (c *Cli) queueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued submissions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				entries := c.app.Queue.Entries()
				if len(entries) == 0 {
					c.io.Println("Offline queue is empty.")
					return nil
				}

				c.io.Printf("%-36s  %-8s  %-20s  %-8s  %s\n", "ID", "KIND", "QUEUED AT", "ATTEMPTS", "LAST ERROR")
				for _, e := range entries {
					c.io.Printf("%-36s  %-8s  %-20s  %-8d  %s\n",
						e.ID, e.Kind, e.EnqueuedAt.Format(time.DateTime), e.Attempts, e.LastError)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "replay",
			Short: "Send queued submissions now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				before := c.app.Queue.Len()

				// Актуальное состояние сети нужно до replay
				c.app.Monitor.Refresh(ctx)
				if !c.app.Monitor.IsOnline() {
					c.io.Println("Offline: nothing was sent.")
					return nil
				}
				if err := c.app.Replay(ctx); err != nil {
					return err
				}

				after := c.app.Queue.Len()
				c.io.Printf("Delivered: %d, remaining: %d\n", before-after, after)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Discard every queued submission",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				n := c.app.Queue.Len()
				c.app.Queue.Clear()
				c.app.Queue.Wait()
				c.io.Printf("Discarded %d submission(s).\n", n)
				return nil
			},
		},
	)

	return cmd
}
