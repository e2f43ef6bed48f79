// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SCALPER_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"scalper-engine/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange ExchangeConfig       `mapstructure:"exchange"`
	Store    StoreConfig          `mapstructure:"store"`
	Cache    CacheConfig          `mapstructure:"cache"`
	Security SecurityConfig       `mapstructure:"security"`
	Strategy types.StrategyConfig `mapstructure:"strategy"`
	Engine   EngineConfig         `mapstructure:"engine"`
	Risk     RiskConfig           `mapstructure:"risk"`
	Logging  LoggingConfig        `mapstructure:"logging"`
}

// ExchangeConfig holds exchange endpoints and request tuning. Demo switches
// REST and the private stream to the demo-trading hosts.
type ExchangeConfig struct {
	RESTBaseURL     string        `mapstructure:"rest_base_url"`
	DemoRESTBaseURL string        `mapstructure:"demo_rest_base_url"`
	WSPublicURL     string        `mapstructure:"ws_public_url"`
	WSPrivateURL    string        `mapstructure:"ws_private_url"`
	DemoWSPrivate   string        `mapstructure:"demo_ws_private_url"`
	Demo            bool          `mapstructure:"demo"`
	RecvWindowMS    int           `mapstructure:"recv_window_ms"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// RESTURL returns the REST base URL for the configured environment.
func (e ExchangeConfig) RESTURL() string {
	if e.Demo {
		return e.DemoRESTBaseURL
	}
	return e.RESTBaseURL
}

// PrivateWSURL returns the private stream URL for the configured environment.
func (e ExchangeConfig) PrivateWSURL() string {
	if e.Demo {
		return e.DemoWSPrivate
	}
	return e.WSPrivateURL
}

// StoreConfig sets where the order/trade ledger is persisted.
type StoreConfig struct {
	Path         string        `mapstructure:"path"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// CacheConfig holds redis connection settings for the session/snapshot cache.
type CacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SecurityConfig holds the master key for credential decryption.
// MasterKey is 32 bytes, hex-encoded (AES-256-GCM).
type SecurityConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

// EngineConfig tunes engine-wide behavior. Watchlist is the default symbol
// set for users whose strategy rows carry no watchlist of their own.
type EngineConfig struct {
	AnalysisInterval     types.Interval `mapstructure:"analysis_interval"`
	CooldownAfterClose   time.Duration  `mapstructure:"cooldown_after_close"`
	CooldownAfterReverse time.Duration  `mapstructure:"cooldown_after_reverse"`
	ClosePositionsOnStop bool           `mapstructure:"close_positions_on_stop"`
	Watchlist            []string       `mapstructure:"watchlist"`
}

// RiskConfig sets per-user hard limits enforced by the supervisor.
type RiskConfig struct {
	MaxDailyLoss float64 `mapstructure:"max_daily_loss"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SCALPER_MASTER_KEY, SCALPER_CACHE_ADDR,
// SCALPER_CACHE_PASSWORD, SCALPER_STORE_PATH, SCALPER_DEMO.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SCALPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalDecodeHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SCALPER_MASTER_KEY"); key != "" {
		cfg.Security.MasterKey = key
	}
	if addr := os.Getenv("SCALPER_CACHE_ADDR"); addr != "" {
		cfg.Cache.Addr = addr
	}
	if pass := os.Getenv("SCALPER_CACHE_PASSWORD"); pass != "" {
		cfg.Cache.Password = pass
	}
	if p := os.Getenv("SCALPER_STORE_PATH"); p != "" {
		cfg.Store.Path = p
	}
	if os.Getenv("SCALPER_DEMO") == "true" || os.Getenv("SCALPER_DEMO") == "1" {
		cfg.Exchange.Demo = true
	}

	return &cfg, nil
}

// decimalDecodeHook converts YAML strings and numbers into decimal.Decimal
// fields. Amounts are written as strings in the file so no float conversion
// ever touches them.
func decimalDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.recv_window_ms", 5000)
	v.SetDefault("exchange.connect_timeout", 20*time.Second)
	v.SetDefault("exchange.request_timeout", 60*time.Second)
	v.SetDefault("store.query_timeout", 60*time.Second)
	v.SetDefault("engine.analysis_interval", "5m")
	v.SetDefault("engine.cooldown_after_close", 60*time.Second)
	v.SetDefault("engine.cooldown_after_reverse", 60*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Exchange.Demo && c.Exchange.DemoRESTBaseURL == "" {
		return fmt.Errorf("exchange.demo_rest_base_url is required when exchange.demo is set")
	}
	if c.Exchange.WSPublicURL == "" {
		return fmt.Errorf("exchange.ws_public_url is required")
	}
	if c.Exchange.PrivateWSURL() == "" {
		return fmt.Errorf("exchange.ws_private_url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required (set SCALPER_STORE_PATH)")
	}
	if c.Security.MasterKey == "" {
		return fmt.Errorf("security.master_key is required (set SCALPER_MASTER_KEY)")
	}
	if len(c.Security.MasterKey) != 64 {
		return fmt.Errorf("security.master_key must be 32 bytes hex-encoded")
	}
	if c.Strategy.OrderAmount.IsZero() || c.Strategy.OrderAmount.IsNegative() {
		return fmt.Errorf("strategy.order_amount must be > 0")
	}
	if c.Strategy.Leverage < 1 {
		return fmt.Errorf("strategy.leverage must be >= 1")
	}
	if c.Strategy.MaxAveragingCount < 0 {
		return fmt.Errorf("strategy.max_averaging_count must be >= 0")
	}
	switch c.Engine.AnalysisInterval {
	case types.Interval1m, types.Interval5m:
	default:
		return fmt.Errorf("engine.analysis_interval must be one of: 1m, 5m")
	}
	return nil
}
