// Package bybit normalizes the Bybit v5 linear public streams.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/orderbook"
	"cryptofeed/internal/symbols"
	"cryptofeed/internal/ws"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

const (
	exchangeName   = "bybit"
	defaultWSURL   = "wss://stream.bybit.com/v5/public/linear"
	defaultRestURL = "https://api.bybit.com"
	pingInterval   = 20 * time.Second
	bookDepth      = 50
	category       = "linear"
)

type Processor struct {
	url     string
	conv    symbols.Converter
	guard   *orderbook.SequenceGuard
	tickers map[string]tickerData
}

func NewProcessor(cfg config.ExchangeConfig) *Processor {
	url := cfg.WebSocketURL
	if url == "" {
		url = defaultWSURL
	}
	conv, _ := symbols.For(exchangeName)
	return &Processor{
		url:     url,
		conv:    conv,
		guard:   orderbook.NewSequenceGuard(),
		tickers: make(map[string]tickerData),
	}
}

func (p *Processor) Name() string { return exchangeName }

func (p *Processor) Endpoint(context.Context) (ws.Endpoint, error) {
	return ws.Endpoint{URL: p.url}, nil
}

func (p *Processor) PingFrame() []byte { return []byte(`{"op":"ping"}`) }

func (p *Processor) PingInterval() time.Duration { return pingInterval }

// Reset forgets sequences and merged ticker state; the server resends
// snapshots after subscribing.
func (p *Processor) Reset() {
	p.guard.Clear()
	p.tickers = make(map[string]tickerData)
}

type request struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (p *Processor) SubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("subscribe", sub)
}

func (p *Processor) UnsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("unsubscribe", sub)
}

func (p *Processor) frame(op string, sub models.SubscriptionInfo) ([]byte, error) {
	topic, err := topicFor(sub.Channel, p.conv.ToExchange(sub.Symbol), sub.Extra)
	if err != nil {
		return nil, err
	}
	return json.Marshal(request{Op: op, Args: []string{topic}})
}

func topicFor(channel, symbol, extra string) (string, error) {
	switch channel {
	case models.ChannelOrderbook:
		return fmt.Sprintf("orderbook.%d.%s", bookDepth, symbol), nil
	case models.ChannelTrades:
		return "publicTrade." + symbol, nil
	case models.ChannelTicker:
		return "tickers." + symbol, nil
	case models.ChannelCandles:
		return "kline." + klineInterval(extra) + "." + symbol, nil
	}
	return "", fmt.Errorf("bybit %s: %w", channel, ws.ErrUnsupportedChannel)
}

// klineInterval converts "1m", "1h", "1d" to Bybit's "1", "60", "D".
func klineInterval(interval string) string {
	if interval == "" {
		return "1"
	}
	n := len(interval)
	count, err := strconv.Atoi(interval[:n-1])
	if err != nil {
		return interval
	}
	switch interval[n-1] {
	case 'm':
		return strconv.Itoa(count)
	case 'h':
		return strconv.Itoa(count * 60)
	case 'd':
		return "D"
	case 'w':
		return "W"
	case 'M':
		return "M"
	}
	return interval
}

// normalInterval is the inverse of klineInterval.
func normalInterval(interval string) string {
	switch interval {
	case "D":
		return "1d"
	case "W":
		return "1w"
	case "M":
		return "1M"
	}
	minutes, err := strconv.Atoi(interval)
	if err != nil {
		return interval
	}
	if minutes >= 60 && minutes%60 == 0 {
		return strconv.Itoa(minutes/60) + "h"
	}
	return strconv.Itoa(minutes) + "m"
}

// parseTopic splits "orderbook.50.BTCUSDT" or "kline.1.BTCUSDT" into the
// normalized channel, interval and wire symbol.
func parseTopic(topic string) (channel, extra, symbol string) {
	parts := strings.Split(topic, ".")
	if len(parts) < 2 {
		return "", "", ""
	}
	symbol = parts[len(parts)-1]
	switch parts[0] {
	case "orderbook":
		return models.ChannelOrderbook, "", symbol
	case "publicTrade":
		return models.ChannelTrades, "", symbol
	case "tickers":
		return models.ChannelTicker, "", symbol
	case "kline":
		if len(parts) == 3 {
			return models.ChannelCandles, normalInterval(parts[1]), symbol
		}
	}
	return "", "", ""
}

type envelope struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

type tradeData struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

type tickerData struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	PrevPrice24h string `json:"prevPrice24h"`
	Volume24h    string `json:"volume24h"`
	Turnover24h  string `json:"turnover24h"`
	Bid1Price    string `json:"bid1Price"`
	Bid1Size     string `json:"bid1Size"`
	Ask1Price    string `json:"ask1Price"`
	Ask1Size     string `json:"ask1Size"`
}

// merge overlays the fields present in a delta.
func (t tickerData) merge(d tickerData) tickerData {
	pick := func(old, next string) string {
		if next != "" {
			return next
		}
		return old
	}
	t.LastPrice = pick(t.LastPrice, d.LastPrice)
	t.HighPrice24h = pick(t.HighPrice24h, d.HighPrice24h)
	t.LowPrice24h = pick(t.LowPrice24h, d.LowPrice24h)
	t.PrevPrice24h = pick(t.PrevPrice24h, d.PrevPrice24h)
	t.Volume24h = pick(t.Volume24h, d.Volume24h)
	t.Turnover24h = pick(t.Turnover24h, d.Turnover24h)
	t.Bid1Price = pick(t.Bid1Price, d.Bid1Price)
	t.Bid1Size = pick(t.Bid1Size, d.Bid1Size)
	t.Ask1Price = pick(t.Ask1Price, d.Ask1Price)
	t.Ask1Size = pick(t.Ask1Size, d.Ask1Size)
	return t
}

type klineData struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

func (p *Processor) Process(frame []byte) (*ws.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("bybit envelope: %w", err)
	}
	if env.Topic == "" {
		switch {
		case env.Op == "pong" || (env.Op == "ping" && env.RetMsg == "pong"):
			return ws.Pong(), nil
		case env.Success != nil && !*env.Success:
			return ws.Errorf("bybit %s: %s", env.Op, env.RetMsg), nil
		case env.Op == "subscribe" || env.Op == "unsubscribe":
			return ws.Ack(), nil
		}
		return ws.Ignore(), nil
	}

	channel, extra, sym := parseTopic(env.Topic)
	if channel == "" {
		return ws.Ignore(), nil
	}
	m, err := p.conv.FromExchange(sym)
	if err != nil {
		return nil, err
	}

	switch channel {
	case models.ChannelOrderbook:
		var d bookData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("bybit orderbook: %w", err)
		}
		return p.book(m, env, d)
	case models.ChannelTrades:
		var data []tradeData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("bybit trades: %w", err)
		}
		tr, err := normalizeTrades(m, data)
		if err != nil {
			return nil, err
		}
		return ws.Trades(tr), nil
	case models.ChannelTicker:
		var d tickerData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("bybit ticker: %w", err)
		}
		key := m.String()
		if env.Type == "delta" {
			d = p.tickers[key].merge(d)
		}
		p.tickers[key] = d
		return ws.Tickers(normalizeTicker(m, d, env.Ts)), nil
	case models.ChannelCandles:
		var data []klineData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("bybit kline: %w", err)
		}
		cd, err := normalizeKlines(m, extra, data)
		if err != nil {
			return nil, err
		}
		return ws.Candles(cd), nil
	}
	return ws.Ignore(), nil
}

func (p *Processor) book(m models.Market, env envelope, d bookData) (*ws.Message, error) {
	asks, err := wire.Levels(d.Asks)
	if err != nil {
		return nil, err
	}
	bids, err := wire.Levels(d.Bids)
	if err != nil {
		return nil, err
	}
	key := m.String()
	action := models.ActionDelta
	// u == 1 marks a snapshot after a service restart
	if env.Type == "snapshot" || d.Update == 1 {
		action = models.ActionSnapshot
		p.guard.Reset(key, d.Update)
	} else if !p.guard.Accept(key, d.Update) {
		return ws.Ignore(), nil
	}
	return ws.OrderBooks(wire.Book(exchangeName, m, env.Ts, action, d.Update, asks, bids)), nil
}

func normalizeTrades(m models.Market, data []tradeData) (*models.Trade, error) {
	tr := &models.Trade{Exchange: exchangeName, Symbol: m.String()}
	for _, d := range data {
		price, err := wire.Float(d.Price)
		if err != nil {
			return nil, err
		}
		qty, err := wire.Float(d.Size)
		if err != nil {
			return nil, err
		}
		ts := models.NormalizeTimestamp(d.Time)
		tr.Result = append(tr.Result, models.TradeItem{
			TradeID:   d.ID,
			Side:      wire.Side(d.Side == "Buy"),
			OrderType: models.OrderTypeMarket,
			Price:     price,
			Quantity:  qty,
			Amount:    wire.Amount(price, qty),
			Timestamp: ts,
		})
		if ts > tr.Timestamp {
			tr.Timestamp = ts
		}
	}
	tr.DropInvalid()
	return tr, nil
}

func normalizeTicker(m models.Market, d tickerData, ts int64) *models.Ticker {
	ts = models.NormalizeTimestamp(ts)
	item := models.TickerItem{
		Open:        wire.MustFloat(d.PrevPrice24h),
		High:        wire.MustFloat(d.HighPrice24h),
		Low:         wire.MustFloat(d.LowPrice24h),
		Close:       wire.MustFloat(d.LastPrice),
		Volume:      wire.MustFloat(d.Volume24h),
		QuoteVolume: wire.MustFloat(d.Turnover24h),
		BidPrice:    wire.MustFloat(d.Bid1Price),
		BidQuantity: wire.MustFloat(d.Bid1Size),
		AskPrice:    wire.MustFloat(d.Ask1Price),
		AskQuantity: wire.MustFloat(d.Ask1Size),
		Timestamp:   ts,
	}
	item.Change = item.Close - item.Open
	if item.Open != 0 {
		item.Percentage = item.Change * 100 / item.Open
	}
	if item.Volume != 0 {
		item.Vwap = item.QuoteVolume / item.Volume
	}
	return &models.Ticker{Exchange: exchangeName, Symbol: m.String(), Timestamp: ts, Result: item}
}

func normalizeKlines(m models.Market, interval string, data []klineData) (*models.Candle, error) {
	cd := &models.Candle{Exchange: exchangeName, Symbol: m.String(), Interval: interval}
	for _, k := range data {
		open, err := wire.Float(k.Open)
		if err != nil {
			return nil, err
		}
		cd.Result = append(cd.Result, models.CandleItem{
			OpenTime:    k.Start,
			CloseTime:   k.End,
			Open:        open,
			High:        wire.MustFloat(k.High),
			Low:         wire.MustFloat(k.Low),
			Close:       wire.MustFloat(k.Close),
			Volume:      wire.MustFloat(k.Volume),
			QuoteVolume: wire.MustFloat(k.Turnover),
			IsClosed:    k.Confirm,
		})
		if k.Start > cd.Timestamp {
			cd.Timestamp = k.Start
		}
	}
	return cd, nil
}
