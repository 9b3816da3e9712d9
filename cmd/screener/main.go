package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/term"
)

const version = "v1.4.0"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:     "screener",
	Short:   "Real-time ATR impulse screener for Binance USDT-M futures",
	Version: version,
	Long: `Streams aggregated trades for every active USDT perpetual, folds them
into fixed-interval price clusters, and alerts when a move clears both
an ATR multiple and a percentage threshold within the recent window.

Alerts go to the admin Telegram chat and to every push-hub subscriber
whose filters the event clears. Run without a subcommand to start the
screener daemon.`,
	PersistentPreRunE: setupLogging,
	RunE:              runScreener,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/screener.yaml", "path to the yaml config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the screener daemon (same as the bare command)",
		RunE:  runScreener,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("screener", version)
		},
	})
}

func setupLogging(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(level)

	// Human-readable output on a terminal, raw JSON when piped.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
