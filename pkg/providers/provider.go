// Package providers implements the REST-based quote sources consulted when
// the live stream has no data for a symbol. Each provider wraps one upstream
// HTTP API behind the same FetchPrice contract so the lookup facade can walk
// them in priority order.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/veiloq/price-stream/pkg/market"
)

// ErrSymbolNotFound reports that the upstream API has no listing for the
// requested symbol, as opposed to a transport or quota failure.
var ErrSymbolNotFound = errors.New("symbol not found")

// Provider fetches a complete quote for one symbol in one currency. A
// provider either returns a usable quote or an error; it never returns a
// partial result.
type Provider interface {
	// Name identifies the provider in logs and cache keys.
	Name() string

	// FetchPrice retrieves the current quote for symbol denominated in
	// currency. Any HTTP, quota or data-shape failure is returned as an
	// error so the caller can fall through to the next provider.
	FetchPrice(ctx context.Context, symbol, currency string) (*market.Quote, error)
}

// RateFunc converts between fiat currencies. It returns the multiplier that
// turns an amount in from-currency into to-currency, and 1 when no rate is
// known.
type RateFunc func(from, to string) float64

func identityRate(string, string) float64 { return 1 }

func decodeJSON(r io.Reader, out interface{}) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}
