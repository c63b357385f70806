package pricestream

import "strings"

// usdRates maps currency codes to units per US dollar. The table is static;
// quotes in unlisted currencies fall back to a 1:1 rate rather than failing.
var usdRates = map[string]float64{
	"USD":  1,
	"USDT": 1,
	"BUSD": 1,
	"THB":  31.5,
	"EUR":  0.85,
	"JPY":  110.5,
	"GBP":  0.73,
}

// Rate returns the multiplier that converts an amount in from-currency into
// to-currency. Unknown pairs resolve to 1 so a missing rate degrades to an
// unconverted quote instead of an error.
func Rate(from, to string) float64 {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if from == to {
		return 1
	}

	fromRate, fromOK := usdRates[from]
	toRate, toOK := usdRates[to]
	if !fromOK || !toOK {
		return 1
	}
	return toRate / fromRate
}
