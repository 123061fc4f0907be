package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/tsproto/client"
	"github.com/Mmx233/tsproto/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Start client",
		Args:  cobra.NoArgs,
		RunE:  runClient,
	}
)

func runClient(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "client-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadClientConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity, err := config.LoadOrCreateIdentity(ctx, cfg.IdentityFile, cfg.SecurityLevel)
	if err != nil {
		return err
	}
	logger.Info().Str("uid", identity.UID()).Int("level", identity.Level()).Msg("identity loaded")

	logger.Info().Str("server", cfg.Address).Msg("starting tsproto client")
	cm := client.NewConnectionManager(cfg, identity, log.Logger)
	if err := cm.Run(ctx, logPackets); err != nil {
		return err
	}
	logger.Info().Msg("client stopped")
	return nil
}

// logPackets drains the connection until it ends
func logPackets(ctx context.Context, c *client.Connection) error {
	logger := log.With().Str("com", "client-cmd").Str("conn_id", c.ConnID()).Logger()
	for p := range c.Packets() {
		logger.Debug().
			Stringer("type", p.Type).
			Uint16("id", p.ID).
			Int("len", len(p.Data)).
			Msg("packet received")
	}
	return c.Err()
}
