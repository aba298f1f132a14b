package bootstrap

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zapagent-ai/zapagent-saas/platform/go/persistence"
)

// Command groups bootstrap helpers (schema init, future seed steps).
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap platform resources (database schema)",
		Long:  "Bootstrap platform resources such as the agents, messages, subscriptions and affiliates tables.",
	}

	cmd.AddCommand(schemaCommand())
	return cmd
}

func schemaCommand() *cobra.Command {
	var databaseURL string

	c := &cobra.Command{
		Use:   "schema",
		Short: "Apply embedded DDL to the target database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL})
			if err != nil {
				return fmt.Errorf("init pool: %w", err)
			}
			defer persistence.ClosePool(pool)

			if err := persistence.BootstrapSchema(ctx, pool); err != nil {
				return fmt.Errorf("bootstrap schema: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}

	c.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string")
	_ = c.MarkFlagRequired("database-url")

	return c
}
