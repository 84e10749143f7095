package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/peervault/peervault/internal/blobstore"
	"github.com/peervault/peervault/internal/config"
	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/peer"
	"github.com/peervault/peervault/internal/svc"
	"github.com/peervault/peervault/pkg/bytesize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const metricsInterval = 15 * time.Second

type peerFlags struct {
	id            string
	server        string
	dataDir       string
	compression   bool
	maxPayload    string
	metricsListen string
}

func newPeerCmd() *cobra.Command {
	var f peerFlags
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a storage peer",
		Long: `Run a storage peer. The peer registers with the coordinator under --id,
stores the replicas it is sent in --data-dir and reconnects automatically.

Restart a peer with the same id and data dir to bring its replicas back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serviceRun {
				return runAsService(svc.ModePeer, peerFromFile)
			}
			cfg, err := peerConfig(cmd, &f)
			if err != nil {
				return err
			}
			applyConfigLogLevel(cmd, cfg.LogLevel)

			ctx, stop := signalContext()
			defer stop()
			return runPeer(ctx, cfg)
		},
	}
	f.bind(cmd)
	return cmd
}

func (f *peerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "stable peer id")
	cmd.Flags().StringVarP(&f.server, "server", "s", config.DefaultServer, "coordinator URL")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", config.DefaultDataDir, "where replicas are stored")
	cmd.Flags().BoolVar(&f.compression, "compression", true, "zstd-compress stored replicas")
	cmd.Flags().StringVar(&f.maxPayload, "max-payload", "64MB", "largest replica accepted (match the coordinator's max_payload)")
	cmd.Flags().StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (e.g. :9101)")
}

// peerConfig loads --config (or defaults) and applies changed flags.
func peerConfig(cmd *cobra.Command, f *peerFlags) (*config.PeerConfig, error) {
	cfg := config.DefaultPeerConfig()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadPeerConfig(cfgFile); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.ID = f.id
	}
	if flags.Changed("server") {
		cfg.Server = f.server
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = config.ExpandHome(f.dataDir)
	}
	if flags.Changed("compression") {
		cfg.Compression = f.compression
	}
	if flags.Changed("max-payload") {
		n, err := bytesize.Parse(f.maxPayload)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-payload: %w", err)
		}
		cfg.MaxPayload = bytesize.Size(n)
	}
	if flags.Changed("metrics-listen") {
		cfg.MetricsListen = f.metricsListen
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runPeer(ctx context.Context, cfg *config.PeerConfig) error {
	store, err := blobstore.New(cfg.DataDir,
		blobstore.WithCompression(cfg.Compression),
		blobstore.WithLogger(log.Logger),
	)
	if err != nil {
		return err
	}

	agentCfg := peer.Config{
		ID:        cfg.ID,
		ServerURL: cfg.Server,
		Store:      store,
		Logger:     log.Logger,
		MaxPayload: cfg.MaxPayload.Bytes(),
	}

	var (
		reg *prometheus.Registry
		pm  *metrics.PeerMetrics
	)
	if cfg.MetricsListen != "" {
		reg = metrics.NewRegistry()
		pm = metrics.InitMetrics(reg, cfg.ID, Version)
		agentCfg.Observer = pm
	}

	agent, err := peer.New(agentCfg)
	if err != nil {
		return err
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Version).
		Str("id", cfg.ID).
		Str("server", cfg.Server).
		Str("data_dir", store.Dir()).
		Int("replicas", len(keys)).
		Bool("compression", cfg.Compression).
		Str("metrics", cfg.MetricsListen).
		Msg("starting storage peer")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.Run(gctx)
	})
	if pm != nil {
		g.Go(func() error {
			metrics.NewCollector(pm, store, agent).Run(gctx, metricsInterval)
			return nil
		})
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsListen, metrics.Handler(reg))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st := agent.Stats()
	log.Info().
		Uint64("stored", st.Stored).
		Uint64("retrieved", st.Retrieved).
		Uint64("deleted", st.Deleted).
		Uint64("failed", st.Failed).
		Msg("storage peer stopped")
	return nil
}

// serveMetrics serves handler on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", addr).Msg("serving peer metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// peerFromFile runs a storage peer under the service manager.
func peerFromFile(ctx context.Context, configPath string) error {
	cfg, err := config.LoadPeerConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	applyConfigLogLevel(nil, cfg.LogLevel)
	return runPeer(ctx, cfg)
}
