// Package config loads and validates the pointsink configuration file.
//
// Configuration is YAML. Every field has a default; an absent file yields a
// fully usable configuration except for the API key, which must be provided
// via file, flag or environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pointsink/pointsink/config"
)

// Config is the root configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DataDir is the root directory for blobs and the metastore.
	DataDir string `yaml:"data_dir"`

	Auth      AuthConfig      `yaml:"auth"`
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

// AuthConfig holds the shared API key.
type AuthConfig struct {
	// APIKey is the secret devices must present. Also settable via the
	// POINTSINK_API_KEY environment variable, which takes precedence.
	APIKey string `yaml:"api_key"`
}

// ServerConfig holds transport options.
type ServerConfig struct {
	MaxFrameBytes        int64         `yaml:"max_frame_bytes"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	SendBufferSize       int           `yaml:"send_buffer_size"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// QueueConfig holds admission queue bounds.
type QueueConfig struct {
	MaxCount int   `yaml:"max_count"`
	MaxBytes int64 `yaml:"max_bytes"`
}

// IngestConfig holds drain worker options.
type IngestConfig struct {
	IdleSleep time.Duration `yaml:"idle_sleep"`
}

// RetentionConfig holds sweeper options.
type RetentionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LogConfig holds logging options.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// DefaultConfig returns the configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:  config.DefaultListenAddress,
		DataDir: config.DefaultDataDir,
		Server: ServerConfig{
			MaxFrameBytes:        config.DefaultMaxFrameBytes,
			CompressionThreshold: config.DefaultCompressionThreshold,
			SendBufferSize:       config.DefaultSendBufferSize,
			WriteTimeout:         config.DefaultWriteTimeout,
		},
		Queue: QueueConfig{
			MaxCount: config.DefaultQueueMaxCount,
			MaxBytes: config.DefaultQueueMaxBytes,
		},
		Ingest: IngestConfig{
			IdleSleep: config.DefaultDrainIdleSleep,
		},
		Retention: RetentionConfig{
			Enabled:       true,
			MaxAge:        config.DefaultRetentionMaxAge,
			SweepInterval: config.DefaultSweepInterval,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not an
// error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if key := os.Getenv("POINTSINK_API_KEY"); key != "" {
		cfg.Auth.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is empty")
	}
	if c.Server.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.max_frame_bytes must be positive")
	}
	if c.Server.SendBufferSize <= 0 {
		return fmt.Errorf("server.send_buffer_size must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Queue.MaxCount <= 0 {
		return fmt.Errorf("queue.max_count must be positive")
	}
	if c.Queue.MaxBytes <= 0 {
		return fmt.Errorf("queue.max_bytes must be positive")
	}
	if c.Ingest.IdleSleep <= 0 {
		return fmt.Errorf("ingest.idle_sleep must be positive")
	}
	if c.Retention.Enabled {
		if c.Retention.MaxAge <= 0 {
			return fmt.Errorf("retention.max_age must be positive")
		}
		if c.Retention.SweepInterval <= 0 {
			return fmt.Errorf("retention.sweep_interval must be positive")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// BlobDir returns the blob store root under the data directory.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// MetastorePath returns the DuckDB file path under the data directory.
func (c *Config) MetastorePath() string {
	return filepath.Join(c.DataDir, "metastore.db")
}

// EnsureDirectories creates the data directory tree.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.BlobDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
