package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Nike5170/Screener/internal/config"
	"github.com/Nike5170/Screener/internal/engine"
)

// runScreener is the daemon entrypoint: load config, build the engine,
// run until SIGINT/SIGTERM.
func runScreener(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Str("config", configPath).Msg("screener starting")
	return eng.Run(ctx)
}
