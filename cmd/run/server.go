package run

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/tsproto/config"
	"github.com/Mmx233/tsproto/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Start server",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}
)

func runServer(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "server-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadServerConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity, err := config.LoadOrCreateIdentity(ctx, cfg.IdentityFile, 0)
	if err != nil {
		return err
	}

	srv := server.New(cfg, identity, log.Logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Msg("starting tsproto server")
		return srv.Listen(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case c, ok := <-srv.Commands():
				if !ok {
					return nil
				}
				logger.Info().Str("command", c.Name).Int("params", len(c.Params)).Msg("client command")
			case <-ctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
