package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/peervault/peervault/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInitCmd() *cobra.Command {
	var (
		dir    string
		peerID string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write example coordinator and peer config files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if peerID == "" {
				host, err := os.Hostname()
				if err != nil || host == "" {
					host = "node-1"
				}
				peerID = host
			}
			written, err := writeExampleConfigs(dir, peerID, force)
			if err != nil {
				return err
			}
			for _, path := range written {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to write the files to")
	cmd.Flags().StringVar(&peerID, "id", "", "peer id for peer.yaml (default: hostname)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// writeExampleConfigs writes coordinator.yaml and peer.yaml with defaults.
func writeExampleConfigs(dir, peerID string, force bool) ([]string, error) {
	coordCfg := config.DefaultCoordinatorConfig()
	coordCfg.LogLevel = "info"

	peerCfg := config.DefaultPeerConfig()
	peerCfg.ID = peerID
	peerCfg.DataDir = config.DefaultDataDir
	peerCfg.LogLevel = "info"

	files := []struct {
		name   string
		header string
		value  any
	}{
		{"coordinator.yaml", "# PeerVault coordinator. Run with: peervault serve -c coordinator.yaml\n", coordCfg},
		{"peer.yaml", "# PeerVault storage peer. Run with: peervault peer -c peer.yaml\n", peerCfg},
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Check everything first so a refusal writes nothing.
	if !force {
		for _, f := range files {
			path := filepath.Join(dir, f.name)
			if _, err := os.Stat(path); err == nil {
				return nil, fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
		}
	}

	var written []string
	for _, f := range files {
		data, err := yaml.Marshal(f.value)
		if err != nil {
			return written, fmt.Errorf("encode %s: %w", f.name, err)
		}
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, append([]byte(f.header), data...), 0644); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
