// Package config loads the flat YAML configuration consumed by the
// linkbench process.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultChannel          = 36
	DefaultUDPPort          = 47765
	DefaultStaleTimeoutSec  = 60
	DefaultSweepIntervalSec = 30
	DefaultQueueDepth       = 20
	DefaultSoftPeerLimit    = 20
	DefaultTestDurationMs   = 10000
	DefaultTestIterations   = 100
	DefaultPingWaitMs       = 500
	DefaultListenAddr       = ":8080"
	DefaultDBPath           = "linkbench.db"
	DefaultLogMaxSizeMB     = 20
	DefaultLogMaxBackups    = 3
)

// Config holds all process settings.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Link    LinkConfig    `yaml:"link"`
	Test    TestConfig    `yaml:"test"`
	API     APIConfig     `yaml:"api"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig identifies this node on the link.
type NodeConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"` // "aa:bb:cc:dd:ee:ff"; random if empty
	Channel int    `yaml:"channel"`
}

// LinkConfig tunes the Link & Peer Manager.
type LinkConfig struct {
	UDPPort          int `yaml:"udp_port"`
	StaleTimeoutSec  int `yaml:"stale_timeout_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	QueueDepth       int `yaml:"queue_depth"`
	SoftPeerLimit    int `yaml:"soft_peer_limit"`
}

// TestConfig configures the orchestration engine.
type TestConfig struct {
	Role          string `yaml:"role"` // coordinator | peer | observer
	DurationMs    int    `yaml:"duration_ms"`
	Iterations    int    `yaml:"iterations"`
	PingWaitMs    int    `yaml:"ping_wait_ms"`
	EnableLogging bool   `yaml:"enable_logging"`
}

// APIConfig configures the HTTP/WebSocket diagnostics surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig configures result persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the zap logger and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // stdout console when empty
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate performs minimal validation of required fields.
func Validate(cfg Config) error {
	if cfg.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	switch cfg.Test.Role {
	case "coordinator", "peer", "observer":
	default:
		return fmt.Errorf("test.role must be coordinator, peer, or observer (got %q)", cfg.Test.Role)
	}
	if cfg.Node.Address != "" {
		if _, err := parseHexAddr(cfg.Node.Address); err != nil {
			return fmt.Errorf("node.address: %w", err)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Node.Channel == 0 {
		cfg.Node.Channel = DefaultChannel
	}
	if cfg.Link.UDPPort == 0 {
		cfg.Link.UDPPort = DefaultUDPPort
	}
	if cfg.Link.StaleTimeoutSec == 0 {
		cfg.Link.StaleTimeoutSec = DefaultStaleTimeoutSec
	}
	if cfg.Link.SweepIntervalSec == 0 {
		cfg.Link.SweepIntervalSec = DefaultSweepIntervalSec
	}
	if cfg.Link.QueueDepth == 0 {
		cfg.Link.QueueDepth = DefaultQueueDepth
	}
	if cfg.Link.SoftPeerLimit == 0 {
		cfg.Link.SoftPeerLimit = DefaultSoftPeerLimit
	}
	if cfg.Test.Role == "" {
		cfg.Test.Role = "peer"
	}
	if cfg.Test.DurationMs == 0 {
		cfg.Test.DurationMs = DefaultTestDurationMs
	}
	if cfg.Test.Iterations == 0 {
		cfg.Test.Iterations = DefaultTestIterations
	}
	if cfg.Test.PingWaitMs == 0 {
		cfg.Test.PingWaitMs = DefaultPingWaitMs
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultListenAddr
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultDBPath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = DefaultLogMaxBackups
	}
}

func parseHexAddr(s string) ([6]byte, error) {
	var a [6]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return a, fmt.Errorf("invalid link address %q", s)
	}
	return a, nil
}
