package symbols

import (
	"fmt"
	"sort"
	"strings"

	"cryptofeed/models"
)

// Converter maps between canonical markets and an exchange's wire symbol.
type Converter interface {
	ToExchange(m models.Market) string
	FromExchange(sym string) (models.Market, error)
}

// Separated handles wire formats with a delimiter between the codes, for
// example "BTC-USDT", "BTC_USDT" or the quote-first "KRW-BTC".
type Separated struct {
	Sep        string
	Lower      bool
	QuoteFirst bool
	// Suffix is appended after the pair, e.g. "-SWAP".
	Suffix string
	// Aliases maps wire currency codes to canonical ones (XBT -> BTC).
	Aliases map[string]string
}

func (s Separated) ToExchange(m models.Market) string {
	base, quote := toWire(m.Base, s.Aliases), toWire(m.Quote, s.Aliases)
	first, second := base, quote
	if s.QuoteFirst {
		first, second = quote, base
	}
	out := first + s.Sep + second + s.Suffix
	if s.Lower {
		return strings.ToLower(out)
	}
	return out
}

func (s Separated) FromExchange(sym string) (models.Market, error) {
	raw := strings.ToUpper(strings.TrimSpace(sym))
	if s.Suffix != "" {
		suffix := strings.ToUpper(s.Suffix)
		if !strings.HasSuffix(raw, suffix) {
			return models.Market{}, fmt.Errorf("symbol %q: missing suffix %q", sym, s.Suffix)
		}
		raw = strings.TrimSuffix(raw, suffix)
	}
	first, second, ok := strings.Cut(raw, strings.ToUpper(s.Sep))
	if !ok || first == "" || second == "" {
		return models.Market{}, fmt.Errorf("symbol %q: expected separator %q", sym, s.Sep)
	}
	if s.QuoteFirst {
		first, second = second, first
	}
	return models.NewMarket(fromWire(first, s.Aliases), fromWire(second, s.Aliases)), nil
}

// Concatenated handles formats with no delimiter ("BTCUSDT", "btcusdt").
// Splitting relies on a list of known quote currencies, longest match wins.
type Concatenated struct {
	Lower   bool
	Quotes  []string
	Suffix  string
	Aliases map[string]string
}

func (c Concatenated) ToExchange(m models.Market) string {
	out := toWire(m.Base, c.Aliases) + toWire(m.Quote, c.Aliases) + c.Suffix
	if c.Lower {
		return strings.ToLower(out)
	}
	return out
}

func (c Concatenated) FromExchange(sym string) (models.Market, error) {
	raw := strings.ToUpper(strings.TrimSpace(sym))
	if c.Suffix != "" {
		raw = strings.TrimSuffix(raw, strings.ToUpper(c.Suffix))
	}
	quotes := c.Quotes
	if len(quotes) == 0 {
		quotes = DefaultQuotes
	}
	best := ""
	for _, q := range quotes {
		wq := toWire(q, c.Aliases)
		if len(wq) > len(best) && len(raw) > len(wq) && strings.HasSuffix(raw, wq) {
			best = wq
		}
	}
	if best == "" {
		return models.Market{}, fmt.Errorf("symbol %q: unknown quote currency", sym)
	}
	base := strings.TrimSuffix(raw, best)
	return models.NewMarket(fromWire(base, c.Aliases), fromWire(best, c.Aliases)), nil
}

// DefaultQuotes lists quote currencies recognised in concatenated symbols.
var DefaultQuotes = []string{
	"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "DAI", "USD",
	"BTC", "ETH", "BNB", "EUR", "TRY", "KRW", "BRL", "JPY",
}

func toWire(code string, aliases map[string]string) string {
	for wire, canonical := range aliases {
		if canonical == code {
			return wire
		}
	}
	return code
}

func fromWire(code string, aliases map[string]string) string {
	if canonical, ok := aliases[code]; ok {
		return canonical
	}
	return code
}

var converters = map[string]Converter{
	"binance": Concatenated{},
	"bybit":   Concatenated{},
	"huobi":   Concatenated{Lower: true},
	"okx":     Separated{Sep: "-"},
	"kucoin":  Separated{Sep: "-"},
	"gateio":  Separated{Sep: "_"},
	"gopax":   Separated{Sep: "-"},
	"upbit":   Separated{Sep: "-", QuoteFirst: true},

	// derivatives venues with contract markers
	"okx-swap":       Separated{Sep: "-", Suffix: "-SWAP"},
	"kucoin-futures": Concatenated{Suffix: "M", Aliases: map[string]string{"XBT": "BTC"}},
}

// For returns the converter registered for exchange.
func For(exchange string) (Converter, bool) {
	c, ok := converters[strings.ToLower(exchange)]
	return c, ok
}

// Exchanges lists exchanges with a registered converter.
func Exchanges() []string {
	names := make([]string, 0, len(converters))
	for name := range converters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compact renders m without separators, e.g. "BTCUSDT". Used for storage keys
// and cross-exchange comparisons.
func Compact(m models.Market) string {
	return m.Base + m.Quote
}
