package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// SyncConfig controls background loop cadence.
type SyncConfig struct {
	WatchIntervalSec    int `yaml:"watch_interval_sec"`
	StopLossIntervalSec int `yaml:"stop_loss_interval_sec"`
	ProfileSyncMins     int `yaml:"profile_sync_minutes"`
	PendingTTLMins      int `yaml:"pending_ttl_minutes"`
	ActivityPageSize    int `yaml:"activity_page_size"`
}

// EngineConfig defines sizing policy knobs. AutoExecute materializes
// detected trades into positions immediately instead of leaving them
// pending for manual confirmation.
type EngineConfig struct {
	DefaultPortfolioValue float64 `yaml:"default_portfolio_value"`
	MinTradeSize          float64 `yaml:"min_trade_size"`
	AutoExecute           bool    `yaml:"auto_execute"`
}

// FeedConfig points at the upstream market-data APIs.
type FeedConfig struct {
	DataAPIHost      string `yaml:"data_api_host"`
	GammaAPIHost     string `yaml:"gamma_api_host"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	MaxRetries       int    `yaml:"max_retries"`
}

// Config aggregates all app configuration knobs.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Sync   SyncConfig   `yaml:"sync"`
	Engine EngineConfig `yaml:"engine"`
	Feed   FeedConfig   `yaml:"feed"`
}

// Load reads configuration from disk, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Sync: SyncConfig{
			WatchIntervalSec:    15,
			StopLossIntervalSec: 10,
			ProfileSyncMins:     60,
			PendingTTLMins:      30,
			ActivityPageSize:    20,
		},
		Engine: EngineConfig{
			DefaultPortfolioValue: 10000,
			MinTradeSize:          1.00,
		},
		Feed: FeedConfig{
			DataAPIHost:      "https://data-api.polymarket.com",
			GammaAPIHost:     "https://gamma-api.polymarket.com",
			RequestTimeoutMS: 30000,
			MaxRetries:       4,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}

	if c.Sync.WatchIntervalSec == 0 {
		c.Sync.WatchIntervalSec = def.Sync.WatchIntervalSec
	}
	if c.Sync.StopLossIntervalSec == 0 {
		c.Sync.StopLossIntervalSec = def.Sync.StopLossIntervalSec
	}
	if c.Sync.ProfileSyncMins == 0 {
		c.Sync.ProfileSyncMins = def.Sync.ProfileSyncMins
	}
	if c.Sync.PendingTTLMins == 0 {
		c.Sync.PendingTTLMins = def.Sync.PendingTTLMins
	}
	if c.Sync.ActivityPageSize == 0 {
		c.Sync.ActivityPageSize = def.Sync.ActivityPageSize
	}

	if c.Engine.DefaultPortfolioValue == 0 {
		c.Engine.DefaultPortfolioValue = def.Engine.DefaultPortfolioValue
	}
	if c.Engine.MinTradeSize == 0 {
		c.Engine.MinTradeSize = def.Engine.MinTradeSize
	}

	if c.Feed.DataAPIHost == "" {
		c.Feed.DataAPIHost = def.Feed.DataAPIHost
	}
	if c.Feed.GammaAPIHost == "" {
		c.Feed.GammaAPIHost = def.Feed.GammaAPIHost
	}
	if c.Feed.RequestTimeoutMS == 0 {
		c.Feed.RequestTimeoutMS = def.Feed.RequestTimeoutMS
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = def.Feed.MaxRetries
	}
}
