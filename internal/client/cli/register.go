package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/sessionguard/internal/validation"
)

func (c *Cli) registerCommand() *cobra.Command {
	var (
		username  string
		passwords Passwords
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if username == "" {
				if username, err = c.io.ReadInput("Username: "); err != nil {
					return fmt.Errorf("failed to read username: %w", err)
				}
			}
			if err := validation.ValidateUsername(username); err != nil {
				return fmt.Errorf("invalid username: %w", err)
			}

			password, err := c.getPassword(passwords, "Password (min 12 chars): ")
			if err != nil {
				return err
			}
			if err := validation.ValidatePassword(password); err != nil {
				return fmt.Errorf("invalid password: %w", err)
			}

			// Подтверждение нужно только при вводе с клавиатуры
			if passwords == (Passwords{}) && !passwordFromEnv() {
				confirm, err := c.io.ReadPassword("Confirm password: ")
				if err != nil {
					return fmt.Errorf("failed to read confirmation: %w", err)
				}
				if confirm != password {
					return fmt.Errorf("passwords do not match")
				}
			}

			userID, err := c.app.Register(cmd.Context(), username, password)
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}

			c.io.Println("✓ Registration successful!")
			c.io.Printf("User ID: %s\n", userID)
			c.io.Println("Run 'sessionguard login' to start a session.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	addPasswordFlags(cmd, &passwords)
	return cmd
}
