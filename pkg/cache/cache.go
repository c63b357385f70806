// Package cache provides the key/value store used for quote caching,
// with a Redis-backed implementation for deployments and an in-memory
// implementation for tests and cache-less setups.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TTLs for the well-known key families.
const (
	PriceTTL     = 60 * time.Second
	MarketCapTTL = time.Hour
	SymbolMapTTL = 24 * time.Hour
)

// Cache is a minimal TTL'd key/value store. Get returns ok=false for a
// missing or expired key; a failed backend read is reported as an error
// so callers can fall through to slower sources.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// PriceKey returns the cache key for a symbol's quote in a currency.
func PriceKey(symbol, currency string) string {
	return fmt.Sprintf("price:%s:%s", strings.ToUpper(symbol), strings.ToUpper(currency))
}

// MarketCapKey returns the cache key for a symbol's market cap in a currency.
func MarketCapKey(symbol, currency string) string {
	return fmt.Sprintf("marketcap:%s:%s", strings.ToUpper(symbol), strings.ToUpper(currency))
}

// SymbolMapKey returns the cache key for one symbol's provider-native id.
func SymbolMapKey(provider, symbol string) string {
	return fmt.Sprintf("symbolmap:%s:%s", strings.ToLower(provider), strings.ToUpper(symbol))
}
