// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Home holds the database, blobs, lock, pid, socket and log.
	Home string `yaml:"home"`

	DefaultFrequency time.Duration `yaml:"frequency"`
	LogLevel         string        `yaml:"log_level"` // debug, info, warn, error

	Snapshot struct {
		Ignore    []string `yaml:"ignore"`    // gitignore syntax
		Gitignore bool     `yaml:"gitignore"` // honour .gitignore files in monitored trees
		Workers   int      `yaml:"workers"`
	} `yaml:"snapshot"`

	Storage struct {
		CacheSize           int `yaml:"cache_size"`
		CheckpointCacheSize int `yaml:"checkpoint_cache_size"`
		CompressMinSize     int `yaml:"compress_min_size"`
		CompressLevel       int `yaml:"compress_level"`
	} `yaml:"storage"`
}

// HomeEnv overrides the home directory, mainly for test isolation.
const HomeEnv = "TABASCO_HOME"

const configFile = "config.yaml"

func defaultHome() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabasco"
	}
	return filepath.Join(home, ".tabasco")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Home:             defaultHome(),
		DefaultFrequency: 5 * time.Second,
		LogLevel:         "info",
	}
	cfg.Snapshot.Gitignore = true
	cfg.Snapshot.Workers = 4
	cfg.Storage.CacheSize = 1000
	cfg.Storage.CheckpointCacheSize = 64
	cfg.Storage.CompressMinSize = 1024
	cfg.Storage.CompressLevel = 2
	return cfg
}

// Load reads a YAML config over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = filepath.Join(cfg.Home, configFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Home == "" {
		c.Home = d.Home
	}
	if c.DefaultFrequency <= 0 {
		c.DefaultFrequency = d.DefaultFrequency
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Snapshot.Workers <= 0 {
		c.Snapshot.Workers = d.Snapshot.Workers
	}
	if c.Storage.CacheSize <= 0 {
		c.Storage.CacheSize = d.Storage.CacheSize
	}
	if c.Storage.CheckpointCacheSize <= 0 {
		c.Storage.CheckpointCacheSize = d.Storage.CheckpointCacheSize
	}
	if c.Storage.CompressMinSize <= 0 {
		c.Storage.CompressMinSize = d.Storage.CompressMinSize
	}
	if c.Storage.CompressLevel <= 0 {
		c.Storage.CompressLevel = d.Storage.CompressLevel
	}
}

// Save writes the config as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) DBDir() string      { return filepath.Join(c.Home, "db") }
func (c *Config) BlobDir() string    { return filepath.Join(c.Home, "blobs") }
func (c *Config) LockPath() string   { return filepath.Join(c.Home, "daemon.lock") }
func (c *Config) PidPath() string    { return filepath.Join(c.Home, "daemon.pid") }
func (c *Config) SocketPath() string { return filepath.Join(c.Home, "daemon.sock") }
func (c *Config) LogPath() string    { return filepath.Join(c.Home, "daemon.log") }

// EnsureHome creates the home directory.
func (c *Config) EnsureHome() error {
	if err := os.MkdirAll(c.Home, 0700); err != nil {
		return fmt.Errorf("creating home directory: %w", err)
	}
	return nil
}
