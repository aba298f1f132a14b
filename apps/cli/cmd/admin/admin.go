package admin

import (
	"fmt"

	"github.com/spf13/cobra"

	platformauth "github.com/zapagent-ai/zapagent-saas/platform/go/auth"
)

// Command groups back-office credential helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Back-office credential utilities",
	}

	cmd.AddCommand(hashPasswordCommand())
	return cmd
}

func hashPasswordCommand() *cobra.Command {
	var password string

	c := &cobra.Command{
		Use:   "hash-password",
		Short: "Produce the bcrypt hash for ADMIN_PASSWORD_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := platformauth.HashAdminPassword(password)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	c.Flags().StringVar(&password, "password", "", "plaintext password to hash")
	_ = c.MarkFlagRequired("password")

	return c
}
