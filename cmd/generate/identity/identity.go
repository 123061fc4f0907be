package identity

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/tsproto/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outputFile string
	level      int
	Cmd        = &cobra.Command{
		Use:   "identity",
		Short: "Generate or improve an identity file",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
)

func init() {
	Cmd.Flags().StringVarP(&outputFile, "output", "o", config.DefaultClientIdentityFile, "identity file path")
	Cmd.Flags().IntVarP(&level, "level", "l", config.DefaultSecurityLevel, "minimum security level")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "generate").Logger()
	if level < 0 {
		return fmt.Errorf("level must not be negative, got %d", level)
	}

	// interrupting keeps the offset reached so far
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("file", outputFile).Int("level", level).Msg("generating identity")
	id, err := config.LoadOrCreateIdentity(ctx, outputFile, level)
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}

	logger.Info().
		Str("file", outputFile).
		Str("uid", id.UID()).
		Int("level", id.Level()).
		Uint64("key_offset", id.ValidKeyOffset).
		Msg("identity ready")
	return nil
}
