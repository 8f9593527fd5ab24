// Package orderbook holds materialized per-symbol books and the sequence
// bookkeeping shared by exchange processors and the dispatcher.
package orderbook

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"cryptofeed/models"
)

var (
	// ErrStaleSequence is returned for updates whose id is not newer than the
	// last applied one.
	ErrStaleSequence = errors.New("orderbook: stale sequence")
	// ErrUnknownBook is returned when a delta arrives before any snapshot.
	ErrUnknownBook = errors.New("orderbook: delta without snapshot")
)

type level struct {
	price decimal.Decimal
	qty   decimal.Decimal
	item  models.OrderBookItem
}

type side map[string]level

// Book is one exchange/symbol book. It is not safe for concurrent use; Store
// serializes access.
type Book struct {
	Exchange string
	Symbol   string

	asks      side
	bids      side
	lastSeq   int64
	timestamp int64
}

func NewBook(exchange, symbol string) *Book {
	return &Book{
		Exchange: exchange,
		Symbol:   symbol,
		asks:     make(side),
		bids:     make(side),
	}
}

// Apply routes ob to ApplySnapshot or ApplyDelta based on its action. A
// sequenced snapshot that is not newer than the last applied id is rejected
// with ErrStaleSequence; only a fresh Book accepts a lower one.
func (b *Book) Apply(ob *models.OrderBook) error {
	if ob.IsSnapshot() {
		if ob.Sequence > 0 && ob.Sequence <= b.lastSeq {
			return ErrStaleSequence
		}
		b.ApplySnapshot(ob)
		return nil
	}
	return b.ApplyDelta(ob)
}

// ApplySnapshot replaces both sides unconditionally. Levels with a
// non-positive quantity are ignored.
func (b *Book) ApplySnapshot(ob *models.OrderBook) {
	b.asks = make(side, len(ob.Result.Asks))
	b.bids = make(side, len(ob.Result.Bids))
	for _, it := range ob.Result.Asks {
		b.asks.set(it)
	}
	for _, it := range ob.Result.Bids {
		b.bids.set(it)
	}
	b.lastSeq = ob.Sequence
	b.timestamp = ob.Timestamp
}

// ApplyDelta updates individual levels; a zero quantity removes the level.
// Updates carrying a sequence id not greater than the last applied id are
// rejected with ErrStaleSequence and leave the book untouched.
func (b *Book) ApplyDelta(ob *models.OrderBook) error {
	if ob.Sequence > 0 {
		if ob.Sequence <= b.lastSeq {
			return ErrStaleSequence
		}
		b.lastSeq = ob.Sequence
	}
	for _, it := range ob.Result.Asks {
		b.asks.set(it)
	}
	for _, it := range ob.Result.Bids {
		b.bids.set(it)
	}
	if ob.Timestamp > b.timestamp {
		b.timestamp = ob.Timestamp
	}
	return nil
}

func (s side) set(it models.OrderBookItem) {
	price := decimal.NewFromFloat(it.Price)
	key := price.String()
	qty := decimal.NewFromFloat(it.Quantity)
	if !qty.IsPositive() {
		delete(s, key)
		return
	}
	s[key] = level{price: price, qty: qty, item: it}
}

func (s side) sorted(ascending bool, depth int) ([]models.OrderBookItem, float64) {
	levels := make([]level, 0, len(s))
	for _, l := range s {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if ascending {
			return levels[i].price.LessThan(levels[j].price)
		}
		return levels[i].price.GreaterThan(levels[j].price)
	})
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	sum := decimal.Zero
	items := make([]models.OrderBookItem, 0, len(levels))
	for _, l := range levels {
		it := l.item
		if it.Amount == 0 {
			it.Amount, _ = l.price.Mul(l.qty).Float64()
		}
		sum = sum.Add(l.qty)
		items = append(items, it)
	}
	total, _ := sum.Float64()
	return items, total
}

// Snapshot materializes the book, truncated to depth levels per side when
// depth > 0.
func (b *Book) Snapshot(depth int) *models.OrderBook {
	asks, askSum := b.asks.sorted(true, depth)
	bids, bidSum := b.bids.sorted(false, depth)
	return &models.OrderBook{
		Exchange:  b.Exchange,
		Symbol:    b.Symbol,
		Timestamp: b.timestamp,
		Action:    models.ActionSnapshot,
		Sequence:  b.lastSeq,
		Result: models.OrderBookResult{
			Asks:      asks,
			Bids:      bids,
			AskSumQty: askSum,
			BidSumQty: bidSum,
		},
	}
}

func (b *Book) LastSequence() int64 { return b.lastSeq }

// Depth returns the number of ask and bid levels.
func (b *Book) Depth() (asks, bids int) { return len(b.asks), len(b.bids) }
