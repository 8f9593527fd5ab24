package models

import (
	"fmt"
	"strings"
)

// Market is a base/quote currency pair in canonical "BASE/QUOTE" form.
type Market struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewMarket builds a Market with upper-cased currency codes.
func NewMarket(base, quote string) Market {
	return Market{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// ParseMarket parses "BASE/QUOTE".
func ParseMarket(s string) (Market, error) {
	base, quote, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Market{}, fmt.Errorf("market %q: missing '/' separator", s)
	}
	m := NewMarket(base, quote)
	if !m.Valid() {
		return Market{}, fmt.Errorf("market %q: empty base or quote", s)
	}
	return m, nil
}

// MustParseMarket is ParseMarket for literals known to be valid.
func MustParseMarket(s string) Market {
	m, err := ParseMarket(s)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseMarkets parses a list of "BASE/QUOTE" strings, failing on the first bad entry.
func ParseMarkets(list []string) ([]Market, error) {
	out := make([]Market, 0, len(list))
	for _, s := range list {
		m, err := ParseMarket(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (m Market) String() string {
	return m.Base + "/" + m.Quote
}

func (m Market) Valid() bool {
	return m.Base != "" && m.Quote != ""
}
