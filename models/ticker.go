package models

// TickerItem carries a rolling market summary.
type TickerItem struct {
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quoteVolume"`
	BidPrice    float64 `json:"bidPrice"`
	BidQuantity float64 `json:"bidQuantity"`
	AskPrice    float64 `json:"askPrice"`
	AskQuantity float64 `json:"askQuantity"`
	Change      float64 `json:"change"`
	Percentage  float64 `json:"percentage"`
	Vwap        float64 `json:"vwap"`
	Timestamp   int64   `json:"timestamp"`
}

// Ticker is the normalized ticker record.
type Ticker struct {
	Exchange  string     `json:"exchange"`
	Symbol    string     `json:"symbol"`
	Timestamp int64      `json:"timestamp"`
	Result    TickerItem `json:"result"`
}
