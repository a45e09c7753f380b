// Package cli holds the cobra commands of the executor binary.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/speedrun-hq/dca-executor/pkg/config"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
)

var (
	logLevel string
	dryRun   bool

	cfg *config.Config
	log logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "dca-executor",
	Short:         "Permissionless executor for on-chain DCA orders",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if logLevel != "" {
			level, err := logger.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			loaded.LoggerConfig.Level = level
		}
		if dryRun {
			loaded.DryRun = true
		}

		cfg = loaded
		log = logger.New(logger.Config{
			Level:  cfg.LoggerConfig.Level,
			Format: cfg.LoggerConfig.Format,
			Output: os.Stderr,
		})
		return nil
	},
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Simulate executions instead of sending transactions")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(executeCmd)
}
