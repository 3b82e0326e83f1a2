package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relaymesh/internal/storage"
	"github.com/relaymesh/relaymesh/pkg/wire"
)

// Duration decodes from YAML as either a human-readable string
// ("15s", "2m") or integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the daemon configuration. Zero values fall back to
// defaults, so an empty file(or none at all) is a working setup.
type Config struct {
	// BaseDir holds the socket, PID file, directory snapshot, worker
	// metadata, and message database.
	BaseDir    string `yaml:"baseDir,omitempty"`
	SocketPath string `yaml:"socketPath,omitempty"`
	// HTTPAddr serves the status and websocket endpoints. Empty
	// disables HTTP entirely.
	HTTPAddr string `yaml:"httpAddr,omitempty"`

	MaxFrameBytes int      `yaml:"maxFrameBytes,omitempty"`
	Heartbeat     Duration `yaml:"heartbeat,omitempty"`
	ResumeTTL     Duration `yaml:"resumeTTL,omitempty"`

	RelayPrefix string   `yaml:"relayPrefix,omitempty"`
	Grace       Duration `yaml:"releaseGrace,omitempty"`

	// MessageRetention bounds the audit/replay store; older rows are
	// pruned periodically. Zero keeps everything.
	MessageRetention Duration `yaml:"messageRetention,omitempty"`
}

func (c *Config) applyDefaults() error {
	if c.BaseDir == "" {
		c.BaseDir = storage.DefaultBaseDir()
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.BaseDir, "relay.sock")
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = Duration(15 * time.Second)
	}
	if c.ResumeTTL <= 0 {
		c.ResumeTTL = Duration(5 * time.Minute)
	}
	if c.Grace <= 0 {
		c.Grace = Duration(2 * time.Second)
	}
	return nil
}

// LoadConfig reads a YAML config file. A missing path yields the
// default config.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read daemon config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse daemon config: %w", err)
		}
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
