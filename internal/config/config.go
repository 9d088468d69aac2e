// Package config provides optional on-disk configuration for the CrabKV
// CLI, layered on top of the engine's own Options/Builder API.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the CLI-level settings: where the engine lives, how the TCP
// server listens, and which engine tunables to apply.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	CacheCapacity   int           `yaml:"cache_capacity"`
	DefaultTTLSecs  int64         `yaml:"default_ttl_secs"`
	SyncIntervalSec int64         `yaml:"sync_interval_secs"`
	AsyncCompaction bool          `yaml:"async_compaction"`
	Compression     bool          `yaml:"compression"`
	WriteBackCache  bool          `yaml:"write_back_cache"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
}

// Default returns the configuration the CLI uses when no file and no
// environment overrides are present.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		Addr:     "127.0.0.1:4000",
		LogLevel: "info",
	}
}

// Load reads a YAML config file. A missing file is not an error: the
// defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
