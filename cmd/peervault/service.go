package main

import (
	"fmt"
	"os"

	"github.com/peervault/peervault/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serviceFlags struct {
	mode     string
	name     string
	userName string
	force    bool
	follow   bool
	lines    int
}

func newServiceCmd() *cobra.Command {
	var f serviceFlags
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage peervault as a system service",
		Long: `Install and control the coordinator or a storage peer as a system service
(systemd, launchd or the Windows service manager).

Examples:
  sudo peervault service install --mode serve -c /etc/peervault/coordinator.yaml
  sudo peervault service install --mode peer
  sudo peervault service start --mode peer
  peervault service status --mode peer
  peervault service logs --mode peer -f`,
	}
	cmd.PersistentFlags().StringVar(&f.mode, "mode", svc.ModePeer, "service mode: serve or peer")
	cmd.PersistentFlags().StringVar(&f.name, "name", "", "service name (default depends on mode)")

	install := &cobra.Command{
		Use:   "install",
		Short: "Install the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.serviceConfig()
			if err != nil {
				return err
			}
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.ConfigPath); err != nil {
				log.Warn().Str("config", cfg.ConfigPath).Msg("config file not found; create it before starting the service (see 'peervault init')")
			}
			if err := svc.Install(cfg, f.force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed service %q (%s mode, config %s)\n", cfg.Name, cfg.Mode, cfg.ConfigPath)
			fmt.Fprintf(cmd.OutOrStdout(), "Start it with: peervault service start --mode %s\n", cfg.Mode)
			return nil
		},
	}
	install.Flags().StringVar(&f.userName, "user", "", "user to run the service as (Linux/macOS)")
	install.Flags().BoolVar(&f.force, "force", false, "reinstall if already installed")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.serviceConfig()
			if err != nil {
				return err
			}
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed service %q\n", cfg.Name)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.serviceConfig()
			if err != nil {
				return err
			}
			st, err := svc.Status(cfg)
			if err != nil {
				log.Debug().Err(err).Msg("service status")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service: %s\n", cfg.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "Mode:    %s\n", cfg.Mode)
			fmt.Fprintf(cmd.OutOrStdout(), "Config:  %s\n", cfg.ConfigPath)
			fmt.Fprintf(cmd.OutOrStdout(), "Status:  %s\n", svc.StatusString(st))
			return nil
		},
	}

	logs := &cobra.Command{
		Use:   "logs",
		Short: "Show service logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.serviceConfig()
			if err != nil {
				return err
			}
			return svc.ViewLogs(svc.LogOptions{ServiceName: cfg.Name, Follow: f.follow, Lines: f.lines})
		},
	}
	logs.Flags().BoolVarP(&f.follow, "follow", "f", false, "follow log output")
	logs.Flags().IntVarP(&f.lines, "lines", "n", 50, "number of lines to show")

	cmd.AddCommand(install, uninstall, status, logs)
	for _, action := range []string{"start", "stop", "restart"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := f.serviceConfig()
				if err != nil {
					return err
				}
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s ok\n", cfg.Name, action)
				return nil
			},
		})
	}
	return cmd
}

func (f *serviceFlags) serviceConfig() (*svc.ServiceConfig, error) {
	if !svc.ValidMode(f.mode) {
		return nil, fmt.Errorf("--mode must be %q or %q", svc.ModeServe, svc.ModePeer)
	}
	cfg := svc.DefaultServiceConfig(f.mode)
	if f.name != "" {
		cfg.Name = f.name
	}
	if cfgFile != "" {
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = f.userName
	return cfg, nil
}

// runAsService hands the process to the service manager.
func runAsService(mode string, run svc.RunFunc) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = svc.DefaultConfigPath(mode)
	}
	cfg := svc.DefaultServiceConfig(mode)
	cfg.ConfigPath = configPath

	log.Info().Str("mode", mode).Str("config", configPath).Str("version", Version).Msg("starting as service")
	prg := &svc.Program{Mode: mode, ConfigPath: configPath, Run: run}
	return svc.Run(prg, cfg)
}
