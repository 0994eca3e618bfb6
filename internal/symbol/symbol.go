package symbol

import (
	"strings"
)

// quoteAssets are stripped from concatenated pairs, longest first so that
// "USDT" wins over "USD".
var quoteAssets = []string{"USDT", "USDC", "BUSD", "EUR", "USD", "GBP"}

var separators = []string{"-", "/", "_", ":"}

// Base returns the base asset of a trading pair: "BTC-EUR", "btc/eur",
// "BTCEUR" and "XBTEUR" all map to "BTC". Bare assets are returned upper-cased.
func Base(pair string) string {
	s := strings.ToUpper(strings.TrimSpace(pair))
	if s == "" {
		return ""
	}

	for _, sep := range separators {
		if idx := strings.Index(s, sep); idx > 0 {
			return alias(s[:idx])
		}
	}

	for _, quote := range quoteAssets {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return alias(strings.TrimSuffix(s, quote))
		}
	}

	return alias(s)
}

// alias applies venue-specific ticker renames (Kraken's XBT).
func alias(base string) string {
	if base == "XBT" {
		return "BTC"
	}
	return base
}

// Same reports whether two pairs share a base asset.
func Same(a, b string) bool {
	return Base(a) == Base(b)
}
