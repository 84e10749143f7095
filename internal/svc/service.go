// Package svc installs and runs peervault as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes.
const (
	ModeServe = "serve"
	ModePeer  = "peer"
)

// RunFunc runs one mode until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	Mode       string
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called by the service manager. It must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("no run function for mode %q", p.Mode)
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		err := p.Run(ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("mode", p.Mode).Msg("service exited with error")
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels the running mode and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServiceConfig describes an installed service.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	Mode        string // ModeServe or ModePeer
	ConfigPath  string
	UserName    string // Linux/macOS only
}

// ValidMode reports whether mode can be installed as a service.
func ValidMode(mode string) bool {
	return mode == ModeServe || mode == ModePeer
}

// DefaultServiceConfig fills in names and paths for mode.
func DefaultServiceConfig(mode string) *ServiceConfig {
	cfg := &ServiceConfig{
		Mode:       mode,
		ConfigPath: DefaultConfigPath(mode),
	}
	if mode == ModeServe {
		cfg.Name = "peervault-coordinator"
		cfg.DisplayName = "PeerVault Coordinator"
		cfg.Description = "PeerVault replicated file storage coordinator"
	} else {
		cfg.Name = "peervault-peer"
		cfg.DisplayName = "PeerVault Storage Peer"
		cfg.Description = "PeerVault storage peer daemon"
	}
	return cfg
}

// DefaultConfigPath returns the platform config path for mode.
func DefaultConfigPath(mode string) string {
	dir := "/etc/peervault"
	if runtime.GOOS == "windows" {
		dir = filepath.Join(os.Getenv("ProgramData"), "PeerVault")
	}
	if mode == ModeServe {
		return filepath.Join(dir, "coordinator.yaml")
	}
	return filepath.Join(dir, "peer.yaml")
}

// Arguments returns the command line the service manager runs.
func Arguments(cfg *ServiceConfig) []string {
	return []string{cfg.Mode, "--service-run", "--config", cfg.ConfigPath}
}

// NewServiceConfig converts cfg to the service library's configuration.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   Arguments(cfg),
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	if !ValidMode(cfg.Mode) {
		return nil, fmt.Errorf("unknown service mode %q", cfg.Mode)
	}
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

func control(cfg *ServiceConfig) (service.Service, error) {
	return newService(&Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}, cfg)
}

// Install installs the service. An existing installation is replaced only
// when force is set.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs a service manager action: start, stop or restart.
func Control(cfg *ServiceConfig, action string) error {
	if !slices.Contains([]string{"start", "stop", "restart"}, action) {
		return fmt.Errorf("unknown service action %q", action)
	}
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := control(cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "not installed"
	}
}

// Run hands control to the service manager. It returns when the service stops.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges fails on Unix unless running as root.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clearer error if not elevated.
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
