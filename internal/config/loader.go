package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"llmd/pkg/types"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	// Artifact cache.
	CacheDir     string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	CacheBackend string `json:"cache_backend" yaml:"cache_backend" toml:"cache_backend"` // memory | sqlite
	CacheScope   string `json:"cache_scope" yaml:"cache_scope" toml:"cache_scope"`
	// strict | warn
	IntegrityMode string `json:"integrity_mode" yaml:"integrity_mode" toml:"integrity_mode"`

	// Admission.
	MaxQueueDepth   int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitSec      int `json:"max_wait_sec" yaml:"max_wait_sec" toml:"max_wait_sec"`
	DrainTimeoutSec int `json:"drain_timeout_sec" yaml:"drain_timeout_sec" toml:"drain_timeout_sec"`

	// Transport: local | worker | service.
	Transport            string `json:"transport" yaml:"transport" toml:"transport"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec" toml:"heartbeat_interval_sec"`

	// CORS (opt-in).
	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`

	// Explicit model records; merged with the models_dir scan.
	Models []types.ModelRecord `json:"models" yaml:"models" toml:"models"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills unspecified fields in place.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.CacheBackend == "" {
		c.CacheBackend = "memory"
	}
	if c.CacheScope == "" {
		c.CacheScope = "llmd"
	}
	if c.IntegrityMode == "" {
		c.IntegrityMode = "strict"
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 32
	}
	if c.MaxWaitSec <= 0 {
		c.MaxWaitSec = 30
	}
	if c.DrainTimeoutSec <= 0 {
		c.DrainTimeoutSec = 10
	}
	if c.Transport == "" {
		c.Transport = "local"
	}
	if c.HeartbeatIntervalSec <= 0 {
		c.HeartbeatIntervalSec = 10
	}
}

// MaxWait returns the admission wait bound as a duration.
func (c *Config) MaxWait() time.Duration { return time.Duration(c.MaxWaitSec) * time.Second }

// DrainTimeout returns the unload drain bound as a duration.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSec) * time.Second
}
