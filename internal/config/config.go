package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable process configuration, resolved once at
// startup. Only per-user filter overrides change at runtime.
type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	Ops      OpsConfig      `yaml:"ops"`
	Binance  BinanceConfig  `yaml:"binance"`
	Telegram TelegramConfig `yaml:"telegram"`
	Users    UsersConfig    `yaml:"users"`
	Redis    RedisConfig    `yaml:"redis"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	ATR      ATRConfig      `yaml:"atr"`
	Impulse  ImpulseConfig  `yaml:"impulse"`
	AntiSpam AntiSpamConfig `yaml:"antispam"`
	Universe UniverseConfig `yaml:"universe"`
	Listings ListingsConfig `yaml:"listings"`
	Stats    StatsConfig    `yaml:"stats"`
	Engine   EngineConfig   `yaml:"engine"`
}

// HubConfig is the client-facing push server binding.
type HubConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c HubConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// OpsConfig is the operational HTTP server (health, metrics) binding.
type OpsConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c OpsConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// BinanceConfig holds upstream endpoints. Overridable for tests.
type BinanceConfig struct {
	WSURL    string `yaml:"ws_url"`
	RESTBase string `yaml:"rest_base"`
}

type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	AdminChatID string `yaml:"admin_chat_id"`
}

// UsersConfig selects the user store backend: Postgres when DSN is set,
// otherwise the JSON file at Path.
type UsersConfig struct {
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type ClusterConfig struct {
	IntervalSec float64 `yaml:"interval_sec"`
	MaxClusters int     `yaml:"max_clusters"`
}

type ATRConfig struct {
	Period       int     `yaml:"period"`
	Multiplier   float64 `yaml:"multiplier"`
	TimeframeSec int     `yaml:"timeframe_sec"`
}

type ImpulseConfig struct {
	MinClusters       int                    `yaml:"min_clusters"`
	MinTrades         int                    `yaml:"min_trades"`
	FixedThresholdPct float64                `yaml:"fixed_threshold_pct"`
	DynamicThreshold  bool                   `yaml:"dynamic_threshold"`
	EnableMarkDelta   bool                   `yaml:"enable_mark_delta"`
	Dynamic           DynamicThresholdConfig `yaml:"dynamic"`
}

// DynamicThresholdConfig maps 24h quote volume onto a per-symbol impulse
// threshold percent over a log10 scale: high-volume symbols get tighter
// thresholds.
type DynamicThresholdConfig struct {
	VolMin   float64 `yaml:"vol_min"`
	VolMax   float64 `yaml:"vol_max"`
	PctMin   float64 `yaml:"pct_min"`
	PctMax   float64 `yaml:"pct_max"`
	Exponent float64 `yaml:"exponent"`
}

// AntiSpamConfig gates alert emission. Windows are wall-clock seconds.
type AntiSpamConfig struct {
	PerSymbolSec   float64 `yaml:"per_symbol_sec"`
	BurstCount     int     `yaml:"burst_count"`
	BurstWindowSec float64 `yaml:"burst_window_sec"`
	SilenceSec     float64 `yaml:"silence_sec"`
}

type UniverseConfig struct {
	RefreshSec      int      `yaml:"refresh_sec"`
	Exclude         []string `yaml:"exclude"`
	HTTPTimeoutSec  int      `yaml:"http_timeout_sec"`
	HTTPConcurrency int      `yaml:"http_concurrency"`
	DepthPercent    float64  `yaml:"depth_percent"`
	DepthDelaySec   float64  `yaml:"depth_delay_sec"`
}

func (c UniverseConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshSec) * time.Second
}

func (c UniverseConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

type ListingsConfig struct {
	Enabled bool `yaml:"enabled"`
	PollSec int  `yaml:"poll_sec"`
}

func (c ListingsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSec) * time.Second
}

type StatsConfig struct {
	RiseThresholdPct float64 `yaml:"rise_threshold_pct"`
	FallThresholdPct float64 `yaml:"fall_threshold_pct"`
}

type EngineConfig struct {
	DetectorWorkers int `yaml:"detector_workers"`
	DetectorQueue   int `yaml:"detector_queue"`
	NotifyQueue     int `yaml:"notify_queue"`
}

// Defaults returns the full default configuration. Load overlays the
// yaml file on top of this, so absent keys keep their defaults.
func Defaults() Config {
	return Config{
		Hub: HubConfig{Host: "0.0.0.0", Port: 9001},
		Ops: OpsConfig{Host: "127.0.0.1", Port: 8080},
		Binance: BinanceConfig{
			WSURL:    "wss://fstream.binance.com/ws",
			RESTBase: "https://fapi.binance.com",
		},
		Users:   UsersConfig{Path: "users.json"},
		Cluster: ClusterConfig{IntervalSec: 0.05, MaxClusters: 300},
		ATR:     ATRConfig{Period: 14, Multiplier: 2.2, TimeframeSec: 60},
		Impulse: ImpulseConfig{
			MinClusters:       1,
			MinTrades:         100,
			FixedThresholdPct: 0.5,
			Dynamic: DynamicThresholdConfig{
				VolMin:   10_000_000,
				VolMax:   5_000_000_000,
				PctMin:   0.7,
				PctMax:   2.5,
				Exponent: 0.8,
			},
		},
		AntiSpam: AntiSpamConfig{
			PerSymbolSec:   180,
			BurstCount:     5,
			BurstWindowSec: 30,
			SilenceSec:     30,
		},
		Universe: UniverseConfig{
			RefreshSec:      3600,
			HTTPTimeoutSec:  10,
			HTTPConcurrency: 5,
			DepthPercent:    0.02,
			DepthDelaySec:   0.1,
		},
		Listings: ListingsConfig{Enabled: true, PollSec: 20},
		Stats:    StatsConfig{RiseThresholdPct: 1.0, FallThresholdPct: 0.5},
		Engine: EngineConfig{
			DetectorWorkers: 2,
			DetectorQueue:   20000,
			NotifyQueue:     2000,
		},
	}
}

// Load reads the yaml config at path over the defaults. Environment
// placeholders (${VAR}) are expanded before parsing. A missing file is
// not an error: the defaults plus environment fallbacks apply.
func Load(path string) (Config, error) {
	cfg := Defaults()

	b, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv fills secrets from the environment when the file left them
// empty.
func (c *Config) applyEnv() {
	if c.Telegram.BotToken == "" {
		c.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.AdminChatID == "" {
		c.Telegram.AdminChatID = os.Getenv("TELEGRAM_ADMIN_CHAT_ID")
	}
	if c.Users.DSN == "" {
		c.Users.DSN = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
}

func (c *Config) Validate() error {
	if c.Hub.Host == "" || c.Hub.Port <= 0 || c.Hub.Port > 65535 {
		return fmt.Errorf("invalid hub address %q:%d", c.Hub.Host, c.Hub.Port)
	}
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		return fmt.Errorf("invalid ops port %d", c.Ops.Port)
	}
	if c.Cluster.IntervalSec <= 0 {
		return fmt.Errorf("cluster interval must be positive, got %v", c.Cluster.IntervalSec)
	}
	if c.Cluster.MaxClusters < 2 {
		return fmt.Errorf("cluster capacity must be at least 2, got %d", c.Cluster.MaxClusters)
	}
	if c.ATR.Period < 1 || c.ATR.TimeframeSec < 1 {
		return fmt.Errorf("invalid atr config: period=%d timeframe=%ds", c.ATR.Period, c.ATR.TimeframeSec)
	}
	if c.ATR.Multiplier <= 0 {
		return fmt.Errorf("atr multiplier must be positive, got %v", c.ATR.Multiplier)
	}
	if c.Impulse.MinClusters < 1 {
		return fmt.Errorf("impulse min clusters must be at least 1, got %d", c.Impulse.MinClusters)
	}
	if c.Impulse.FixedThresholdPct <= 0 {
		return fmt.Errorf("impulse threshold must be positive, got %v", c.Impulse.FixedThresholdPct)
	}
	if c.Engine.DetectorWorkers < 1 {
		return fmt.Errorf("detector workers must be at least 1, got %d", c.Engine.DetectorWorkers)
	}
	if c.Engine.DetectorQueue < 1 || c.Engine.NotifyQueue < 1 {
		return fmt.Errorf("queue capacities must be positive")
	}
	if c.Universe.RefreshSec < 1 {
		return fmt.Errorf("universe refresh must be at least 1s, got %d", c.Universe.RefreshSec)
	}
	return nil
}
