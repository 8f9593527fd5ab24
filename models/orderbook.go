package models

// OrderBookItem is a single price level.
type OrderBookItem struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Amount   float64 `json:"amount,omitempty"`
	Count    int64   `json:"count,omitempty"`
	ID       int64   `json:"id,omitempty"`
}

// OrderBookResult holds both sides of a book. Asks are ascending by price,
// bids descending.
type OrderBookResult struct {
	Asks      []OrderBookItem `json:"asks"`
	Bids      []OrderBookItem `json:"bids"`
	AskSumQty float64         `json:"askSumQty"`
	BidSumQty float64         `json:"bidSumQty"`
}

// OrderBook is the normalized orderbook record. Action is ActionSnapshot
// or ActionDelta; a zero quantity in a delta removes the level.
type OrderBook struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timestamp int64           `json:"timestamp"`
	Action    string          `json:"action"`
	Sequence  int64           `json:"sequence,omitempty"`
	Result    OrderBookResult `json:"result"`
}

// IsSnapshot reports whether the record replaces the whole book.
func (o *OrderBook) IsSnapshot() bool {
	return o.Action == "" || o.Action == ActionSnapshot
}

// SumQuantities recomputes AskSumQty and BidSumQty from the levels.
func (o *OrderBook) SumQuantities() {
	var a, b float64
	for _, it := range o.Result.Asks {
		a += it.Quantity
	}
	for _, it := range o.Result.Bids {
		b += it.Quantity
	}
	o.Result.AskSumQty = a
	o.Result.BidSumQty = b
}
