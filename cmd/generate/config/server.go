package config

import (
	"github.com/Mmx233/tsproto/examples"
	"github.com/spf13/cobra"
)

// ServerCmd is the server subcommand for generating server configuration files
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Generate server configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeTemplate(GetConfigFile(), "server", examples.ServerConfig)
	},
}
