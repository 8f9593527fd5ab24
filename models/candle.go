package models

// CandleItem is one OHLCV bar.
type CandleItem struct {
	OpenTime    int64   `json:"openTime"`
	CloseTime   int64   `json:"closeTime"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quoteVolume"`
	IsClosed    bool    `json:"isClosed"`
}

// Candle is the normalized candle record.
type Candle struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Interval  string       `json:"interval"`
	Timestamp int64        `json:"timestamp"`
	Result    []CandleItem `json:"result"`
}
