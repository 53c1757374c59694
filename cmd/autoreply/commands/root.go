// Package commands implements the autoreply CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoreply",
		Short: "AutoReply - WhatsApp auto-responder",
		Long: `AutoReply answers incoming WhatsApp messages with keyword replies,
AI completions or a fallback text, and exposes a small dashboard to
control it.

Examples:
  autoreply serve
  autoreply config init
  autoreply history stats
  autoreply status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newHistoryCmd(),
		newStatusCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
