// peervault is a replicated file store: a coordinator, storage peers and a
// command line client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/peervault/peervault/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Set by the service manager's command line (hidden).
	serviceRun bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "peervault",
		Short: "PeerVault - replicated file storage across peers",
		Long: `PeerVault stores files on a set of storage peers. A coordinator keeps the
file catalog and replicates each upload to several peers; downloads fail over
between replicas.

QUICK START:

  # Write example configuration files
  peervault init

  # Start the coordinator
  peervault serve -c coordinator.yaml

  # Start three storage peers (each with its own id and data dir)
  peervault peer --id node-1 --data-dir ./data/node-1
  peervault peer --id node-2 --data-dir ./data/node-2
  peervault peer --id node-3 --data-dir ./data/node-3

  # Use it
  peervault upload report.pdf
  peervault list
  peervault download <file-id> -o ./downloads
  peervault delete <file-id>`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run under the service manager (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(
		newServeCmd(),
		newPeerCmd(),
		newUploadCmd(),
		newListCmd(),
		newDownloadCmd(),
		newDeleteCmd(),
		newInitCmd(),
		newServiceCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "peervault %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
		},
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// applyConfigLogLevel lets a config file set the level unless --log-level was given.
func applyConfigLogLevel(cmd *cobra.Command, level string) {
	if cmd != nil && cmd.Flags().Changed("log-level") {
		return
	}
	if level != "" && !config.ApplyLogLevel(level) {
		log.Warn().Str("log_level", level).Msg("unknown log level in config, keeping current level")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
