// Package app provides the entry point for the agentauthd command-line
// application.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentauth/agentauth/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "agentauthd",
	DisableAutoGenTag: true,
	Short:             "agentauthd is an OAuth 2.1 authorization server for agents",
	Long: `agentauthd is an OAuth 2.1 authorization server for non-human principals.
Agents authenticate over a back channel with a credential pair while the
requesting browser waits on a landing page; the rest is the standard
authorization code flow with PKCE, refresh grants, introspection, and
revocation.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the agentauthd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	// Every flag can also be set as AGENTAUTH_<FLAG> in the environment.
	viper.SetEnvPrefix("AGENTAUTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
