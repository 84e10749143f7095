// Package config handles configuration loading and validation for peervault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peervault/peervault/pkg/bytesize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Defaults shared by the loaders and the CLI flag definitions.
const (
	DefaultListen            = ":8000"
	DefaultReplicationFactor = 3
	DefaultMinReplicas       = 2
	DefaultOperationTimeout  = "10s"
	DefaultRetrieveTimeout   = "5s"
	DefaultMaxPayload        = 64 * bytesize.MB
	DefaultServer            = "http://localhost:8000"
	DefaultDataDir           = "~/.peervault/data"
)

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CoordinatorConfig holds configuration for the coordinating node.
type CoordinatorConfig struct {
	Listen            string        `yaml:"listen"`
	ReplicationFactor int           `yaml:"replication_factor"`
	MinReplicas       int           `yaml:"min_replicas"`
	OperationTimeout  string        `yaml:"operation_timeout"` // store-ack wait, e.g. "10s"
	RetrieveTimeout   string        `yaml:"retrieve_timeout"`  // per-replica retrieve wait
	MaxPayload        bytesize.Size `yaml:"max_payload"`
	LogLevel          string        `yaml:"log_level"`
	Metrics           MetricsConfig `yaml:"metrics"`
}

// PeerConfig holds configuration for a storage peer.
type PeerConfig struct {
	ID          string `yaml:"id"`
	Server      string `yaml:"server"`
	DataDir     string `yaml:"data_dir"`
	Compression bool   `yaml:"compression"`
	LogLevel    string `yaml:"log_level"`

	// MaxPayload must be at least the coordinator's max_payload.
	MaxPayload bytesize.Size `yaml:"max_payload,omitempty"`

	// MetricsListen serves Prometheus metrics when set, e.g. ":9101".
	MetricsListen string `yaml:"metrics_listen,omitempty"`
}

// DefaultCoordinatorConfig returns a coordinator configuration with every default applied.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	cfg := &CoordinatorConfig{Metrics: MetricsConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

// DefaultPeerConfig returns a peer configuration with every default applied.
func DefaultPeerConfig() *PeerConfig {
	cfg := &PeerConfig{Compression: true}
	cfg.applyDefaults()
	return cfg
}

// LoadCoordinatorConfig loads coordinator configuration from a YAML file.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Metrics are on unless the file says otherwise.
	cfg := &CoordinatorConfig{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadPeerConfig loads peer configuration from a YAML file.
func LoadPeerConfig(path string) (*PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &PeerConfig{Compression: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = DefaultReplicationFactor
	}
	if c.MinReplicas == 0 {
		c.MinReplicas = DefaultMinReplicas
		if c.MinReplicas > c.ReplicationFactor {
			c.MinReplicas = c.ReplicationFactor
		}
	}
	if c.OperationTimeout == "" {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.RetrieveTimeout == "" {
		c.RetrieveTimeout = DefaultRetrieveTimeout
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = bytesize.Size(DefaultMaxPayload)
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *PeerConfig) applyDefaults() {
	if c.Server == "" {
		c.Server = DefaultServer
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = ExpandHome(c.DataDir)
	if c.MaxPayload == 0 {
		c.MaxPayload = bytesize.Size(DefaultMaxPayload)
	}
}

// Validate checks if the coordinator configuration is valid.
func (c *CoordinatorConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be at least 1")
	}
	if c.MinReplicas < 1 {
		return fmt.Errorf("min_replicas must be at least 1")
	}
	if c.MinReplicas > c.ReplicationFactor {
		return fmt.Errorf("min_replicas (%d) cannot exceed replication_factor (%d)", c.MinReplicas, c.ReplicationFactor)
	}
	if _, err := positiveDuration("operation_timeout", c.OperationTimeout); err != nil {
		return err
	}
	if _, err := positiveDuration("retrieve_timeout", c.RetrieveTimeout); err != nil {
		return err
	}
	if c.MaxPayload <= 0 {
		return fmt.Errorf("max_payload must be positive")
	}
	return nil
}

// OperationTimeoutDuration returns the parsed store-ack timeout. Call Validate first.
func (c *CoordinatorConfig) OperationTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.OperationTimeout)
	return d
}

// RetrieveTimeoutDuration returns the parsed per-attempt retrieve timeout. Call Validate first.
func (c *CoordinatorConfig) RetrieveTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.RetrieveTimeout)
	return d
}

// Validate checks if the peer configuration is valid.
func (c *PeerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(c.ID, " \t\n/\\") {
		return fmt.Errorf("id %q must not contain whitespace or path separators", c.ID)
	}
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if !strings.HasPrefix(c.Server, "http://") && !strings.HasPrefix(c.Server, "https://") {
		return fmt.Errorf("server must be an http:// or https:// URL")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level from a config value.
// It returns false when level is empty or not a known level name.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}

func positiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
