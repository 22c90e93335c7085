package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iudanet/sessionguard/internal/apperr"
	"github.com/iudanet/sessionguard/internal/client/app"
	"github.com/iudanet/sessionguard/internal/client/retry"
)

func (c *Cli) submitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <form> key=value...",
		Short: "Submit a form, queueing it while offline",
		Example: `  sessionguard submit contact name=Alice email=alice@example.com
  sessionguard submit feedback "message=Works offline too"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := c.start(ctx); err != nil {
				return err
			}

			out := c.app.Submit(ctx, args[0], fields)
			return c.printOutcome(out)
		},
	}
}

// parseFields разбирает аргументы вида key=value
func parseFields(args []string) (map[string]string, error) {
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", arg)
		}
		fields[key] = value
	}
	return fields, nil
}

func (c *Cli) printOutcome(out retry.Outcome) error {
	switch out.Status {
	case retry.StatusSuccess:
		c.io.Println("✓ Submitted")
		c.io.Printf("Response: %s\n", out.Data)
		return nil
	case retry.StatusQueued:
		c.io.Println("Offline: submission queued and will be sent when the connection returns")
		c.io.Printf("Queue ID: %s\n", out.QueueID)
		return nil
	}

	var vErr *apperr.ValidationError
	if errors.As(out.Err, &vErr) && len(vErr.Fields) > 0 {
		c.io.Println("Form is invalid:")
		for name, msg := range vErr.Fields {
			c.io.Printf("  %s: %s\n", name, msg)
		}
	}

	if out.Context.LastError == apperr.KindAuthExpired {
		c.io.Println("Session has ended. Run 'sessionguard login' again.")
	}
	if out.Context.Attempt > 0 {
		c.io.Printf("Attempts: %d/%d (last error: %s)\n", out.Context.Attempt, out.Context.MaxAttempts, out.Context.LastError)
	}
	return fmt.Errorf("submission %s: %w", out.Status, app.OutcomeError(out))
}
