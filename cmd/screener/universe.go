package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nike5170/Screener/internal/binance"
	"github.com/Nike5170/Screener/internal/config"
	"github.com/Nike5170/Screener/internal/notify"
	"github.com/Nike5170/Screener/internal/telemetry"
	"github.com/Nike5170/Screener/internal/universe"
)

var universeTimeout time.Duration

var universeCmd = &cobra.Command{
	Use:   "universe",
	Short: "Run the symbol filter pipeline once and print the result",
	Long: `Fetches the current USDT perpetual universe, applies the volume,
trade-count, and order-book depth filters, and prints the surviving
symbols with their 24h volume and impulse threshold.`,
	RunE: runUniverse,
}

func init() {
	universeCmd.Flags().DurationVar(&universeTimeout, "timeout", 3*time.Minute, "overall fetch timeout")
	rootCmd.AddCommand(universeCmd)
}

func runUniverse(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	rest := binance.NewRESTClient(cfg.Binance.RESTBase, cfg.Universe.HTTPTimeout(), 8, metrics)
	fetcher := universe.NewFetcher(rest, cfg.Universe, cfg.Impulse, metrics)

	ctx, cancel := context.WithTimeout(cmd.Context(), universeTimeout)
	defer cancel()

	snap := fetcher.Fetch(ctx)
	if snap.Empty() {
		return fmt.Errorf("universe fetch returned no symbols")
	}

	symbols := snap.Symbols()
	fmt.Printf("%d symbols passed the filters\n\n", len(symbols))
	for _, s := range symbols {
		book := snap.Orderbook[s]
		fmt.Printf("%-14s %18s USDT  threshold %.2f%%  bid %s / ask %s\n",
			strings.ToUpper(s),
			notify.GroupThousands(float64(snap.Volumes[s]), 0),
			snap.Thresholds[s],
			notify.GroupThousands(float64(book.Bid), 0),
			notify.GroupThousands(float64(book.Ask), 0),
		)
	}
	return nil
}
