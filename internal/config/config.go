// Package config defines all configuration for the market-data gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via OFOX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Debug       bool              `mapstructure:"debug"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Symbols     SymbolsConfig     `mapstructure:"symbols"`
	Server      ServerConfig      `mapstructure:"server"`
	Hub         HubConfig         `mapstructure:"hub"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ExchangeConfig holds the upstream exchange endpoints. ApiKey/Secret are
// optional. The gateway always uses WSBaseURL and RESTBaseURL as configured;
// leaving the key and secret empty does not switch it to sandbox endpoints.
type ExchangeConfig struct {
	WSBaseURL   string `mapstructure:"ws_base_url"`
	RESTBaseURL string `mapstructure:"rest_base_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
}

// LiquidationConfig points at the secondary liquidation-history API.
// An empty base URL disables historical liquidation backfill.
type LiquidationConfig struct {
	APIBaseURL string `mapstructure:"api_base_url"`
}

// SymbolsConfig tunes the symbol registry.
//
//   - QuoteWhitelist: quote assets accepted besides USDT (e.g. USDC pairs).
//   - RefreshTTL: how long a loaded symbol list stays fresh.
type SymbolsConfig struct {
	QuoteWhitelist []string      `mapstructure:"quote_whitelist"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
}

// ServerConfig controls the downstream HTTP/WebSocket server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	PathPrefix     string   `mapstructure:"path_prefix"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxBookLimit   int      `mapstructure:"max_book_limit"`
}

// HubConfig tunes stream-hub lifecycle and queue sizing.
//
//   - GracePeriod: how long a hub outlives its last subscriber before the
//     upstream connection is torn down.
//   - SessionQueueSize: outbound frames buffered per downstream client before
//     it is evicted as a slow consumer.
type HubConfig struct {
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	SessionQueueSize int           `mapstructure:"session_queue_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: OFOX_API_KEY, OFOX_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OFOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("OFOX_API_KEY"); key != "" {
		cfg.Exchange.ApiKey = key
	}
	if secret := os.Getenv("OFOX_API_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if os.Getenv("OFOX_DEBUG") == "true" || os.Getenv("OFOX_DEBUG") == "1" {
		cfg.Debug = true
	}

	return &cfg, nil
}

// Validate checks required fields, value ranges, and fills defaults.
func (c *Config) Validate() error {
	if c.Exchange.WSBaseURL == "" {
		return fmt.Errorf("exchange.ws_base_url is required")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Server.MaxBookLimit == 0 {
		c.Server.MaxBookLimit = 1000
	}
	if c.Server.MaxBookLimit < 5 {
		return fmt.Errorf("server.max_book_limit must be >= 5")
	}
	if c.Hub.GracePeriod == 0 {
		c.Hub.GracePeriod = 5 * time.Second
	}
	if c.Hub.GracePeriod < 0 {
		return fmt.Errorf("hub.grace_period must be >= 0")
	}
	if c.Hub.SessionQueueSize == 0 {
		c.Hub.SessionQueueSize = 256
	}
	if c.Hub.SessionQueueSize < 1 {
		return fmt.Errorf("hub.session_queue_size must be >= 1")
	}
	if c.Symbols.RefreshTTL == 0 {
		c.Symbols.RefreshTTL = 5 * time.Minute
	}
	return nil
}
