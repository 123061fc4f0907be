package config

import (
	"github.com/Mmx233/tsproto/examples"
	"github.com/spf13/cobra"
)

// ClientCmd is the client subcommand for generating client configuration files
var ClientCmd = &cobra.Command{
	Use:   "client",
	Short: "Generate client configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeTemplate(GetConfigFile(), "client", examples.ClientConfig)
	},
}
