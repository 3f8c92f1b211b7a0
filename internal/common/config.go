package common

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the daemon configuration
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Workers    WorkersConfig    `toml:"workers"`
	Repository RepositoryConfig `toml:"repository"`
	Engine     EngineConfig     `toml:"engine"`
	Logging    LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig names the root under which the daemon keeps downloads,
// installed packages, result files, the catalog and its log.
type StorageConfig struct {
	Path string `toml:"path"`
}

type WorkersConfig struct {
	Count     int    `toml:"count"`      // Number of worker goroutines
	QueueSize int    `toml:"queue_size"` // Bounded job queue capacity
	CacheHold string `toml:"cache_hold"` // How long terminal jobs stay queryable, e.g. "60s"
}

type RepositoryConfig struct {
	URL string `toml:"url"` // Remote package index (line-delimited name|url|sha256)
}

type EngineConfig struct {
	Type       string `toml:"type"`        // Registered inference engine name
	SessionTTL string `toml:"session_ttl"` // Model session cache TTL, e.g. "30s"
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// DefaultConfig returns the built-in configuration defaults
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5402,
		},
		Storage: StorageConfig{
			Path: filepath.Join(home, ".cache", "citrine"),
		},
		Workers: WorkersConfig{
			Count:     16,
			QueueSize: 1000,
			CacheHold: "60s",
		},
		Repository: RepositoryConfig{
			URL: "https://packages.citrine.dev/index",
		},
		Engine: EngineConfig{
			Type:       "onnx",
			SessionTTL: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration starting from defaults, applying each file
// in order. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

// ApplyFlagOverrides applies command-line overrides on top of file config
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

// CacheHold returns the parsed job cache hold duration, defaulting to one minute
func (c *Config) CacheHold() time.Duration {
	d, err := time.ParseDuration(c.Workers.CacheHold)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// SessionTTL returns the parsed engine session cache TTL, defaulting to 30 seconds
func (c *Config) SessionTTL() time.Duration {
	d, err := time.ParseDuration(c.Engine.SessionTTL)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
