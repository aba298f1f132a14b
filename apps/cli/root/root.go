package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the ZapAgent admin CLI. Subcommands (auth,
// bootstrap, admin) are attached here.
var rootCmd = &cobra.Command{
	Use:           "zapagent",
	Short:         "ZapAgent admin CLI",
	Long:          "Administrative utilities for ZapAgent (dev tokens, schema bootstrap, admin credentials).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
