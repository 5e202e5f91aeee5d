package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config models hub.yml.
type Config struct {
	Server struct {
		Addr             string `yaml:"addr" json:"addr"`
		BasePath         string `yaml:"base_path" json:"base_path"`
		ListCap          int    `yaml:"list_cap" json:"list_cap"`
		JWTSecret        string `yaml:"jwt_secret" json:"-"`
		AllowActorHeader bool   `yaml:"allow_actor_header" json:"allow_actor_header"`
	} `yaml:"server" json:"server"`
	Store struct {
		Driver    string `yaml:"driver" json:"driver"`
		Workspace string `yaml:"workspace" json:"workspace"`
		DSN       string `yaml:"dsn" json:"-"`
	} `yaml:"store" json:"store"`
	Lease struct {
		TTL           string `yaml:"ttl" json:"ttl"`
		SweepInterval string `yaml:"sweep_interval" json:"sweep_interval"`
	} `yaml:"lease" json:"lease"`
	Worker struct {
		Owner           string `yaml:"owner" json:"owner"`
		Interval        string `yaml:"interval" json:"interval"`
		Batch           int    `yaml:"batch" json:"batch"`
		ConflictRetries int    `yaml:"conflict_retries" json:"conflict_retries"`
	} `yaml:"worker" json:"worker"`
	Hub struct {
		ActivityLimit int            `yaml:"activity_limit" json:"activity_limit"`
		CacheTTL      string         `yaml:"cache_ttl" json:"cache_ttl"`
		RedisURL      string         `yaml:"redis_url" json:"-"`
		Sources       []SourceConfig `yaml:"sources" json:"sources"`
	} `yaml:"hub" json:"hub"`
	Transitions struct {
		PointerKeys []string `yaml:"pointer_keys" json:"pointer_keys"`
	} `yaml:"transitions" json:"transitions"`
	Destinations map[string]DestinationConfig `yaml:"destinations" json:"destinations"`
	Log          struct {
		Level string `yaml:"level" json:"level"`
	} `yaml:"log" json:"log"`
}

// SourceConfig is an extra pending-work source counted with a SQL query
// against the store database.
type SourceConfig struct {
	Name  string `yaml:"name" json:"name"`
	Query string `yaml:"query" json:"query"`
}

// DestinationConfig is the webhook that creates artifacts in an area.
type DestinationConfig struct {
	URL            string `yaml:"url" json:"url"`
	Secret         string `yaml:"secret" json:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Load reads and validates hub.yml from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hub config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() when the workspace has no hub.yml.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "hub.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.ListCap <= 0 {
		return fmt.Errorf("config.server.list_cap must be positive")
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config.store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config.store.driver must be one of sqlite, postgres, memory")
	}
	durations := map[string]string{
		"lease.ttl":            c.Lease.TTL,
		"lease.sweep_interval": c.Lease.SweepInterval,
		"worker.interval":      c.Worker.Interval,
		"hub.cache_ttl":        c.Hub.CacheTTL,
	}
	for key, raw := range durations {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config.%s: %w", key, err)
		}
		if d < 0 || (d == 0 && key != "hub.cache_ttl") {
			return fmt.Errorf("config.%s must be positive", key)
		}
	}
	if c.Worker.Batch <= 0 {
		return fmt.Errorf("config.worker.batch must be positive")
	}
	if c.Worker.ConflictRetries < 0 {
		return fmt.Errorf("config.worker.conflict_retries must not be negative")
	}
	if c.Hub.ActivityLimit <= 0 {
		return fmt.Errorf("config.hub.activity_limit must be positive")
	}
	seen := map[string]bool{"events": true, "transitions": true, "total": true}
	for i, src := range c.Hub.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return fmt.Errorf("config.hub.sources[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("config.hub.sources: duplicate or reserved name %s", name)
		}
		seen[name] = true
		if strings.TrimSpace(src.Query) == "" {
			return fmt.Errorf("config.hub.sources[%d].query is required", i)
		}
	}
	for _, key := range c.Transitions.PointerKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("config.transitions.pointer_keys contains an empty key")
		}
	}
	for area, dest := range c.Destinations {
		if strings.TrimSpace(area) == "" {
			return fmt.Errorf("config.destinations has an empty area")
		}
		if strings.TrimSpace(dest.URL) == "" {
			return fmt.Errorf("destination %s has no url", area)
		}
		if dest.TimeoutSeconds < 0 {
			return fmt.Errorf("destination %s has a negative timeout", area)
		}
	}
	return nil
}

// LeaseTTL, SweepInterval, WorkerInterval and CacheTTL assume Validate passed.

func (c *Config) LeaseTTL() time.Duration       { return mustDuration(c.Lease.TTL) }
func (c *Config) SweepInterval() time.Duration  { return mustDuration(c.Lease.SweepInterval) }
func (c *Config) WorkerInterval() time.Duration { return mustDuration(c.Worker.Interval) }
func (c *Config) CacheTTL() time.Duration       { return mustDuration(c.Hub.CacheTTL) }

func mustDuration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  list_cap: 500
  jwt_secret: ""
  allow_actor_header: true

store:
  driver: sqlite
  workspace: .
  dsn: ""

lease:
  ttl: 5m
  sweep_interval: 30s

worker:
  owner: ""
  interval: 15s
  batch: 20
  conflict_retries: 3

hub:
  activity_limit: 20
  cache_ttl: 0s
  redis_url: ""
  sources: []

transitions:
  pointer_keys: []

destinations: {}

log:
  level: info
`
