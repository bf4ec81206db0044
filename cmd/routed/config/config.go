package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written in the
// human form ("2h", "90s") rather than nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ServerConfig holds the route service configuration.
type ServerConfig struct {
	Chains         []uint64 `yaml:"chains"`
	PoolStreamURL  string   `yaml:"pool_stream_url"`
	PoolSourceURL  string   `yaml:"pool_source_url"`
	ListenAddr     string   `yaml:"listen_addr"`
	RouteTTL       Duration `yaml:"route_ttl"`
	RefreshTimeout Duration `yaml:"refresh_timeout"`
	MaxStale       Duration `yaml:"max_stale"`
	MaxHops        int      `yaml:"max_hops"`
	MaxRoutes      int      `yaml:"max_routes"`
	MaxConcurrent  int      `yaml:"max_concurrent_computations"`
}

// LoadConfig reads a configuration file from the given path and unmarshals it
// into a ServerConfig struct.
func LoadConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.PoolStreamURL == "" {
		return fmt.Errorf("config: pool_stream_url is required")
	}
	if c.PoolSourceURL == "" {
		return fmt.Errorf("config: pool_source_url is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	return nil
}
