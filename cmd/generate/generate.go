package generate

import (
	"github.com/Mmx233/tsproto/cmd/generate/config"
	"github.com/Mmx233/tsproto/cmd/generate/identity"
	"github.com/spf13/cobra"
)

var (
	Cmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate resources",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.AddCommand(identity.Cmd)
	Cmd.AddCommand(config.Cmd)
}
