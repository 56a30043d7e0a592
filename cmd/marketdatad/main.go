// Command marketdatad runs the market data subscription manager as a
// long-lived daemon: it loads a config file, registers exchange adapters,
// reconciles the configured subscriptions against them, and serves
// Prometheus metrics.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "marketdatad",
	Short: "Market data subscription manager daemon",
	Long: `marketdatad reconciles a desired set of exchange market-data
subscriptions against live streaming sessions and a polling loop, and
republishes the results on per-market event streams.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("marketdatad 0.1.0")
	},
}

func main() {
	setupLogging()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
