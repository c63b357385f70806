package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "{}\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://stream.binance.com:9443/ws", cfg.Exchange.WSBaseURL)
	assert.Equal(t, "USD", cfg.Stream.QuoteCurrency)
	assert.Equal(t, 10, cfg.Stream.WarmupBatch)
	assert.Equal(t, 2*time.Second, cfg.Stream.WarmupDelay.Std())
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeTempConfig(t, `
exchange:
  ws_base_url: "wss://testnet.example:9443/ws"
pool:
  max_connections: 10
  max_concurrent: 4
  reconnect_interval: 1s
stream:
  quote_currency: "EUR"
  popular_symbols: ["BTC", "ETH"]
redis:
  enabled: true
  host: "redis.internal"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://testnet.example:9443/ws", cfg.Exchange.WSBaseURL)
	assert.Equal(t, 10, cfg.Pool.MaxConnections)
	assert.Equal(t, 4, cfg.Pool.MaxConcurrent)
	assert.Equal(t, time.Second, cfg.Pool.ReconnectInterval.Std())
	assert.Equal(t, "EUR", cfg.Stream.QuoteCurrency)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Stream.PopularSymbols)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("COINGECKO_API_KEY", "gecko-secret")
	t.Setenv("REDIS_PASSWORD", "redis-secret")

	path := writeTempConfig(t, "{}\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gecko-secret", cfg.Providers.CoinGecko.APIKey)
	assert.Equal(t, "redis-secret", cfg.Redis.Password)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeTempConfig(t, `
pool:
  max_connections: 5
  max_concurrent: 10
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent")
}

func TestLoadRejectsNonWebSocketURL(t *testing.T) {
	path := writeTempConfig(t, `
exchange:
  ws_base_url: "https://not-a-socket.example"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.Equal(t, "https://api.binance.com", cfg.Exchange.RESTBaseURL)
}
