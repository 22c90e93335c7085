package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func (c *Cli) loginCommand() *cobra.Command {
	var (
		username  string
		passwords Passwords
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if username == "" {
				if username, err = c.io.ReadInput("Username: "); err != nil {
					return fmt.Errorf("failed to read username: %w", err)
				}
			}

			password, err := c.getPassword(passwords, "Password: ")
			if err != nil {
				return err
			}

			if err := c.app.Login(cmd.Context(), username, password); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			st := c.app.Status().Session
			c.io.Println("✓ Login successful!")
			if st.Credential != nil {
				c.io.Printf("Username: %s\n", st.Credential.Identity.Username)
				c.io.Printf("Access token expires: %s\n", st.Credential.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	addPasswordFlags(cmd, &passwords)
	return cmd
}

func passwordFromEnv() bool {
	return os.Getenv(PasswordEnv) != ""
}
