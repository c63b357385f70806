// Package market holds the normalized market-data types shared between the
// streaming adapter, the REST providers and the lookup facade.
package market

import "time"

// Quote is a normalized price snapshot for one symbol in one currency.
// Stream-sourced quotes are partial (no market cap, no display name); quotes
// from REST providers are complete.
type Quote struct {
	Symbol                   string    `json:"symbol"`
	Name                     string    `json:"name,omitempty"`
	Currency                 string    `json:"currency"`
	Price                    float64   `json:"price"`
	PriceChange24h           float64   `json:"priceChange24h"`
	PriceChangePercentage24h float64   `json:"priceChangePercentage24h"`
	Volume24h                float64   `json:"volume24h"`
	High24h                  float64   `json:"high24h"`
	Low24h                   float64   `json:"low24h"`
	MarketCap                float64   `json:"marketCap,omitempty"`
	ImageURL                 string    `json:"imageUrl,omitempty"`
	LastUpdated              time.Time `json:"lastUpdated"`
}

// Converted returns a copy of the quote denominated in another currency using
// the given exchange rate. Percentage change is rate-independent and kept.
func (q Quote) Converted(currency string, rate float64) Quote {
	out := q
	out.Currency = currency
	out.Price *= rate
	out.PriceChange24h *= rate
	out.Volume24h *= rate
	out.High24h *= rate
	out.Low24h *= rate
	out.MarketCap *= rate
	return out
}
