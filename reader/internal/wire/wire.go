// Package wire holds number and level parsing shared by the exchange
// processors. Exchanges send prices as strings; they are parsed through
// decimal so no precision is lost before the float conversion.
package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"cryptofeed/models"
)

// Float parses a decimal string. Empty strings are zero.
func Float(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}

// MustFloat is Float that maps bad input to zero, for optional fields.
func MustFloat(s string) float64 {
	f, _ := Float(s)
	return f
}

// Number accepts a JSON number or a quoted number.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := Float(s)
		if err != nil {
			return err
		}
		*n = Number(f)
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse number %s: %w", b, err)
	}
	*n = Number(f)
	return nil
}

func (n Number) Float() float64 { return float64(n) }

// Int64 accepts a JSON integer or a quoted integer.
type Int64 int64

func (n *Int64) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("parse integer %s: %w", b, err)
		}
		v = int64(f)
	}
	*n = Int64(v)
	return nil
}

// Levels converts [price, quantity, ...] string tuples into book levels.
// Extra tuple elements are ignored.
func Levels(raw [][]string) ([]models.OrderBookItem, error) {
	out := make([]models.OrderBookItem, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			return nil, fmt.Errorf("book level %v: want price and quantity", lv)
		}
		price, err := Float(lv[0])
		if err != nil {
			return nil, err
		}
		qty, err := Float(lv[1])
		if err != nil {
			return nil, err
		}
		out = append(out, models.OrderBookItem{Price: price, Quantity: qty})
	}
	return out, nil
}

// NumberLevels is Levels for [price, quantity] tuples of JSON numbers.
func NumberLevels(raw [][]Number) ([]models.OrderBookItem, error) {
	out := make([]models.OrderBookItem, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			return nil, fmt.Errorf("book level %v: want price and quantity", lv)
		}
		out = append(out, models.OrderBookItem{Price: lv[0].Float(), Quantity: lv[1].Float()})
	}
	return out, nil
}

// Amount is price times quantity computed exactly.
func Amount(price, qty float64) float64 {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty)).InexactFloat64()
}

// Book builds a normalized orderbook with its quantity sums filled in.
func Book(exchange string, m models.Market, ts int64, action string, seq int64, asks, bids []models.OrderBookItem) *models.OrderBook {
	ob := &models.OrderBook{
		Exchange:  exchange,
		Symbol:    m.String(),
		Timestamp: models.NormalizeTimestamp(ts),
		Action:    action,
		Sequence:  seq,
		Result:    models.OrderBookResult{Asks: asks, Bids: bids},
	}
	ob.SumQuantities()
	return ob
}

// Side maps buyer-taker flags to the normalized trade side.
func Side(buyerTaker bool) string {
	if buyerTaker {
		return models.SideBid
	}
	return models.SideAsk
}

// Millis converts a float timestamp in seconds (with fraction) or
// milliseconds to milliseconds.
func Millis(v float64) int64 {
	if v > 0 && v < 1e11 {
		return int64(math.Round(v * 1000))
	}
	return models.NormalizeTimestamp(int64(v))
}
