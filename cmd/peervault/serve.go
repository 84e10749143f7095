package main

import (
	"context"
	"fmt"

	"github.com/peervault/peervault/internal/config"
	"github.com/peervault/peervault/internal/coord"
	"github.com/peervault/peervault/internal/svc"
	"github.com/peervault/peervault/pkg/bytesize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	listen            string
	replicationFactor int
	minReplicas       int
	operationTimeout  string
	retrieveTimeout   string
	maxPayload        string
	noMetrics         bool
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Run the coordinator. Storage peers and clients connect to its /ws endpoint.
It also serves /health, /api/v1/status and Prometheus metrics.

Flags override values from the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serviceRun {
				return runAsService(svc.ModeServe, serveFromFile)
			}
			cfg, err := coordinatorConfig(cmd, &f)
			if err != nil {
				return err
			}
			applyConfigLogLevel(cmd, cfg.LogLevel)

			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	f.bind(cmd)
	return cmd
}

func (f *serveFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.listen, "listen", config.DefaultListen, "listen address")
	cmd.Flags().IntVar(&f.replicationFactor, "replication-factor", config.DefaultReplicationFactor, "replicas per file")
	cmd.Flags().IntVar(&f.minReplicas, "min-replicas", config.DefaultMinReplicas, "live peers required to accept an upload")
	cmd.Flags().StringVar(&f.operationTimeout, "operation-timeout", config.DefaultOperationTimeout, "how long to wait for all replicas to acknowledge")
	cmd.Flags().StringVar(&f.retrieveTimeout, "retrieve-timeout", config.DefaultRetrieveTimeout, "how long to wait for one replica during download")
	cmd.Flags().StringVar(&f.maxPayload, "max-payload", "64MB", "largest accepted upload")
	cmd.Flags().BoolVar(&f.noMetrics, "no-metrics", false, "disable the Prometheus endpoint")
}

// coordinatorConfig loads --config (or defaults) and applies changed flags.
func coordinatorConfig(cmd *cobra.Command, f *serveFlags) (*config.CoordinatorConfig, error) {
	cfg := config.DefaultCoordinatorConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadCoordinatorConfig(cfgFile); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = f.listen
	}
	if flags.Changed("replication-factor") {
		cfg.ReplicationFactor = f.replicationFactor
		if !flags.Changed("min-replicas") && cfg.MinReplicas > cfg.ReplicationFactor {
			cfg.MinReplicas = cfg.ReplicationFactor
		}
	}
	if flags.Changed("min-replicas") {
		cfg.MinReplicas = f.minReplicas
	}
	if flags.Changed("operation-timeout") {
		cfg.OperationTimeout = f.operationTimeout
	}
	if flags.Changed("retrieve-timeout") {
		cfg.RetrieveTimeout = f.retrieveTimeout
	}
	if flags.Changed("max-payload") {
		n, err := bytesize.Parse(f.maxPayload)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-payload: %w", err)
		}
		cfg.MaxPayload = bytesize.Size(n)
	}
	if flags.Changed("no-metrics") {
		cfg.Metrics.Enabled = !f.noMetrics
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.CoordinatorConfig) error {
	srv, err := coord.NewServer(cfg)
	if err != nil {
		return err
	}
	srv.SetVersion(Version)

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Int("replication_factor", cfg.ReplicationFactor).
		Int("min_replicas", cfg.MinReplicas).
		Str("max_payload", cfg.MaxPayload.String()).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("starting coordinator")

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	log.Info().Msg("coordinator stopped")
	return nil
}

// serveFromFile runs the coordinator under the service manager.
func serveFromFile(ctx context.Context, configPath string) error {
	cfg, err := config.LoadCoordinatorConfig(configPath)
	if err != nil {
		return err
	}
	applyConfigLogLevel(nil, cfg.LogLevel)
	return runServe(ctx, cfg)
}
