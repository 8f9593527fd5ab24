package models

// TradeItem is one executed trade.
type TradeItem struct {
	TradeID   string  `json:"tradeId"`
	Side      string  `json:"side"`
	OrderType string  `json:"orderType"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

func (t TradeItem) Valid() bool {
	return t.Price > 0 && t.Quantity > 0
}

// Trade is the normalized trade record.
type Trade struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Timestamp int64       `json:"timestamp"`
	Result    []TradeItem `json:"result"`
}

// DropInvalid removes items with a non-positive price or quantity and
// reports how many were removed.
func (t *Trade) DropInvalid() int {
	kept := t.Result[:0]
	for _, it := range t.Result {
		if it.Valid() {
			kept = append(kept, it)
		}
	}
	dropped := len(t.Result) - len(kept)
	t.Result = kept
	return dropped
}
