// Package config loads the application configuration from a YAML file with
// environment-variable overrides for secrets. Omitted values fall back to
// exchange-appropriate defaults, so an empty file is a valid configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Pool      PoolConfig      `yaml:"pool"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Stream    StreamConfig    `yaml:"stream"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ExchangeConfig holds the exchange endpoints.
type ExchangeConfig struct {
	WSBaseURL     string `yaml:"ws_base_url"`
	WSCombinedURL string `yaml:"ws_combined_url"`
	WSAPIURL      string `yaml:"ws_api_url"`
	RESTBaseURL   string `yaml:"rest_base_url"`
}

// PoolConfig tunes the WebSocket connection pool.
type PoolConfig struct {
	MaxConnections          int      `yaml:"max_connections"`
	MaxConcurrent           int      `yaml:"max_concurrent"`
	MaxStreamsPerConnection int      `yaml:"max_streams_per_connection"`
	MaxReconnectAttempts    int      `yaml:"max_reconnect_attempts"`
	ReconnectInterval       Duration `yaml:"reconnect_interval"`
	ConnectTimeout          Duration `yaml:"connect_timeout"`
	KeepAliveInterval       Duration `yaml:"keep_alive_interval"`
	MonitorInterval         Duration `yaml:"monitor_interval"`
}

// RedisConfig holds the quote-cache connection settings. When disabled, the
// process falls back to an in-memory cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`
}

// ProvidersConfig holds the REST fallback provider settings.
type ProvidersConfig struct {
	CoinGecko     AggregatorConfig `yaml:"coingecko"`
	CoinMarketCap AggregatorConfig `yaml:"coinmarketcap"`

	RequestsPerSecond int      `yaml:"requests_per_second"`
	MaxRetries        int      `yaml:"max_retries"`
	RetryDelay        Duration `yaml:"retry_delay"`
	Timeout           Duration `yaml:"timeout"`
}

// AggregatorConfig identifies one aggregator API.
type AggregatorConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// StreamConfig tunes the price-stream adapter and the startup warm-up.
type StreamConfig struct {
	QuoteCurrency  string   `yaml:"quote_currency"`
	PairSuffix     string   `yaml:"pair_suffix"`
	PopularSymbols []string `yaml:"popular_symbols"`
	WarmupBatch    int      `yaml:"warmup_batch"`
	WarmupDelay    Duration `yaml:"warmup_delay"`
}

// LoggingConfig tunes the zap logger and optional rotating file sink.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://stream.binance.com:9443/ws"
	}
	if c.Exchange.WSCombinedURL == "" {
		c.Exchange.WSCombinedURL = "wss://stream.binance.com:9443/stream?streams="
	}
	if c.Exchange.WSAPIURL == "" {
		c.Exchange.WSAPIURL = "wss://ws-api.binance.com:443/ws-api/v3"
	}
	if c.Exchange.RESTBaseURL == "" {
		c.Exchange.RESTBaseURL = "https://api.binance.com"
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Providers.CoinGecko.BaseURL == "" {
		c.Providers.CoinGecko.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if c.Providers.CoinMarketCap.BaseURL == "" {
		c.Providers.CoinMarketCap.BaseURL = "https://pro-api.coinmarketcap.com/v1"
	}
	if c.Providers.RequestsPerSecond == 0 {
		c.Providers.RequestsPerSecond = 10
	}
	if c.Providers.MaxRetries == 0 {
		c.Providers.MaxRetries = 3
	}
	if c.Providers.RetryDelay == 0 {
		c.Providers.RetryDelay = Duration(time.Second)
	}
	if c.Providers.Timeout == 0 {
		c.Providers.Timeout = Duration(30 * time.Second)
	}

	if c.Stream.QuoteCurrency == "" {
		c.Stream.QuoteCurrency = "USD"
	}
	if c.Stream.PairSuffix == "" {
		c.Stream.PairSuffix = "USDT"
	}
	if c.Stream.WarmupBatch == 0 {
		c.Stream.WarmupBatch = 10
	}
	if c.Stream.WarmupDelay == 0 {
		c.Stream.WarmupDelay = Duration(2 * time.Second)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv lets secrets come from the environment instead of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		c.Providers.CoinGecko.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("COINMARKETCAP_API_KEY"); v != "" {
		c.Providers.CoinMarketCap.APIKey = strings.TrimSpace(v)
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Exchange.WSBaseURL, "ws") {
		return fmt.Errorf("exchange.ws_base_url must be a ws:// or wss:// URL")
	}
	if c.Pool.MaxConnections < 0 {
		return fmt.Errorf("pool.max_connections must not be negative")
	}
	if c.Pool.MaxConcurrent > c.Pool.MaxConnections && c.Pool.MaxConnections != 0 {
		return fmt.Errorf("pool.max_concurrent must not exceed pool.max_connections")
	}
	if c.Stream.WarmupBatch < 0 {
		return fmt.Errorf("stream.warmup_batch must not be negative")
	}
	if c.Providers.RequestsPerSecond <= 0 {
		return fmt.Errorf("providers.requests_per_second must be greater than 0")
	}
	return nil
}
