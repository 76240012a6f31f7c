package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vantrade/edgerun/internal/api"
	"github.com/vantrade/edgerun/internal/exits"
	"github.com/vantrade/edgerun/internal/gates"
	"github.com/vantrade/edgerun/internal/ingest"
	"github.com/vantrade/edgerun/internal/learning"
	"github.com/vantrade/edgerun/internal/regime"
	"github.com/vantrade/edgerun/internal/scoring"
	"github.com/vantrade/edgerun/internal/signals"
	"github.com/vantrade/edgerun/internal/worker"
)

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Backend is "file" or "postgres".
	Backend     string `yaml:"backend"`
	StateDir    string `yaml:"state_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// RedisAddr enables the durable signal queue; empty means the
	// in-memory fallback.
	RedisAddr string `yaml:"redis_addr"`
}

// BrokerConfig parameterizes the execution venue.
type BrokerConfig struct {
	// Mode is "paper"; live adapters plug in behind the same interface.
	Mode           string  `yaml:"mode"`
	StartingEquity float64 `yaml:"starting_equity"`
}

// Config is the full engine configuration tree.
type Config struct {
	Universe []string `yaml:"universe"`

	Regime    regime.DetectorConfig   `yaml:"regime"`
	Freshness signals.FreshnessConfig `yaml:"freshness"`
	Scoring   scoring.ScorerConfig    `yaml:"scoring"`
	Learning  learning.Config         `yaml:"learning"`
	Gates     gates.Config            `yaml:"gates"`
	Exits     exits.Config            `yaml:"exits"`
	Ingest    ingest.GatewayConfig    `yaml:"ingest"`
	Worker    worker.Config           `yaml:"worker"`
	Watchdog  worker.WatchdogConfig   `yaml:"watchdog"`
	Server    api.ServerConfig        `yaml:"server"`
	Storage   StorageConfig           `yaml:"storage"`
	Broker    BrokerConfig            `yaml:"broker"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Universe:  []string{},
		Regime:    regime.DefaultDetectorConfig(),
		Freshness: signals.DefaultFreshnessConfig(),
		Scoring:   scoring.DefaultScorerConfig(),
		Learning:  learning.DefaultConfig(),
		Gates:     gates.DefaultConfig(),
		Exits:     exits.DefaultConfig(),
		Ingest:    ingest.DefaultGatewayConfig(),
		Worker:    worker.DefaultConfig(),
		Watchdog:  worker.DefaultWatchdogConfig(),
		Server:    api.DefaultServerConfig(),
		Storage: StorageConfig{
			Backend:  "file",
			StateDir: "state",
		},
		Broker: BrokerConfig{
			Mode:           "paper",
			StartingEquity: 100000,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires postgres_dsn")
	}
	if c.Broker.Mode != "paper" {
		return fmt.Errorf("unknown broker mode %q", c.Broker.Mode)
	}
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("worker interval must be positive")
	}
	if c.Worker.SoftDeadline >= c.Worker.Interval {
		return fmt.Errorf("worker soft_deadline must be shorter than interval")
	}
	if c.Gates.Pipeline.FlipThreshold <= 0 {
		return fmt.Errorf("flip_threshold must be positive")
	}
	return nil
}
