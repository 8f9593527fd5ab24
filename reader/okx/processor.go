// Package okx normalizes the OKX v5 public websocket and REST market data.
package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/orderbook"
	"cryptofeed/internal/symbols"
	"cryptofeed/internal/ws"
	"cryptofeed/logger"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

const (
	exchangeName   = "okx"
	defaultWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
	defaultRestURL = "https://www.okx.com"
	pingInterval   = 25 * time.Second
)

type Processor struct {
	url   string
	conv  symbols.Converter
	guard *orderbook.SequenceGuard
	log   *logger.Log
}

func NewProcessor(cfg config.ExchangeConfig) *Processor {
	url := cfg.WebSocketURL
	if url == "" {
		url = defaultWSURL
	}
	conv, _ := symbols.For(exchangeName)
	return &Processor{
		url:   url,
		conv:  conv,
		guard: orderbook.NewSequenceGuard(),
		log:   logger.GetLogger(),
	}
}

func (p *Processor) Name() string { return exchangeName }

func (p *Processor) Endpoint(context.Context) (ws.Endpoint, error) {
	return ws.Endpoint{URL: p.url}, nil
}

func (p *Processor) PingFrame() []byte { return []byte("ping") }

func (p *Processor) PingInterval() time.Duration { return pingInterval }

func (p *Processor) Reset() { p.guard.Clear() }

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

func (p *Processor) SubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("subscribe", sub)
}

func (p *Processor) UnsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("unsubscribe", sub)
}

func (p *Processor) frame(op string, sub models.SubscriptionInfo) ([]byte, error) {
	channel, err := topic(sub.Channel, sub.Extra)
	if err != nil {
		return nil, err
	}
	return json.Marshal(request{Op: op, Args: []arg{{Channel: channel, InstID: p.conv.ToExchange(sub.Symbol)}}})
}

// topic maps a normalized channel to the OKX channel name.
func topic(channel, extra string) (string, error) {
	switch channel {
	case models.ChannelOrderbook:
		return "books", nil
	case models.ChannelTrades:
		return "trades", nil
	case models.ChannelTicker:
		return "tickers", nil
	case models.ChannelCandles:
		return "candle" + barInterval(extra), nil
	}
	return "", fmt.Errorf("okx %s: %w", channel, ws.ErrUnsupportedChannel)
}

// barInterval converts "1m", "1h", "1d" to OKX's "1m", "1H", "1D".
func barInterval(interval string) string {
	if interval == "" {
		return "1m"
	}
	n := len(interval)
	unit := interval[n-1]
	if unit == 'm' {
		return interval
	}
	return interval[:n-1] + strings.ToUpper(string(unit))
}

// parseTopic maps an OKX channel back to the normalized channel and, for
// candles, the interval.
func parseTopic(channel string) (string, string) {
	switch {
	case strings.HasPrefix(channel, "books"):
		return models.ChannelOrderbook, ""
	case channel == "trades":
		return models.ChannelTrades, ""
	case channel == "tickers":
		return models.ChannelTicker, ""
	case strings.HasPrefix(channel, "candle"):
		return models.ChannelCandles, strings.ToLower(strings.TrimPrefix(channel, "candle"))
	}
	return "", ""
}

type envelope struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    arg             `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        wire.Int64 `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type tradeData struct {
	TradeID string     `json:"tradeId"`
	Px      string     `json:"px"`
	Sz      string     `json:"sz"`
	Side    string     `json:"side"`
	Ts      wire.Int64 `json:"ts"`
}

type tickerData struct {
	Last     string     `json:"last"`
	AskPx    string     `json:"askPx"`
	AskSz    string     `json:"askSz"`
	BidPx    string     `json:"bidPx"`
	BidSz    string     `json:"bidSz"`
	Open24h  string     `json:"open24h"`
	High24h  string     `json:"high24h"`
	Low24h   string     `json:"low24h"`
	Vol24h   string     `json:"vol24h"`
	VolCcy24 string     `json:"volCcy24h"`
	Ts       wire.Int64 `json:"ts"`
}

func (p *Processor) Process(frame []byte) (*ws.Message, error) {
	if !ws.LooksLikeText(frame) {
		inflated, err := ws.Inflate(frame)
		if err != nil {
			return nil, err
		}
		frame = inflated
	}
	frame = bytes.TrimSpace(frame)
	if string(frame) == "pong" {
		return ws.Pong(), nil
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("okx envelope: %w", err)
	}
	switch env.Event {
	case "subscribe", "unsubscribe":
		return ws.Ack(), nil
	case "error":
		return ws.Errorf("okx error %s: %s", env.Code, env.Msg), nil
	case "":
	default:
		return ws.Ignore(), nil
	}
	if len(env.Data) == 0 {
		return ws.Ignore(), nil
	}

	m, err := p.conv.FromExchange(env.Arg.InstID)
	if err != nil {
		return nil, err
	}
	channel, extra := parseTopic(env.Arg.Channel)
	switch channel {
	case models.ChannelOrderbook:
		return p.book(m, env)
	case models.ChannelTrades:
		return p.trades(m, env.Data)
	case models.ChannelTicker:
		return p.ticker(m, env.Data)
	case models.ChannelCandles:
		return p.candles(m, extra, env.Data)
	}
	return ws.Ignore(), nil
}

func (p *Processor) book(m models.Market, env envelope) (*ws.Message, error) {
	var data []bookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("okx books: %w", err)
	}
	key := m.String()
	out := make([]*models.OrderBook, 0, len(data))
	for _, d := range data {
		asks, err := wire.Levels(d.Asks)
		if err != nil {
			return nil, err
		}
		bids, err := wire.Levels(d.Bids)
		if err != nil {
			return nil, err
		}
		action := models.ActionSnapshot
		if env.Action == "update" {
			action = models.ActionDelta
			if !p.guard.Accept(key, d.SeqID) {
				p.log.WithComponent("okx").WithFields(logger.Fields{
					"symbol":      key,
					"seq_id":      d.SeqID,
					"prev_seq_id": d.PrevSeqID,
				}).Debug("stale book update dropped")
				continue
			}
		} else {
			p.guard.Reset(key, d.SeqID)
		}
		out = append(out, wire.Book(exchangeName, m, int64(d.Ts), action, d.SeqID, asks, bids))
	}
	if len(out) == 0 {
		return ws.Ignore(), nil
	}
	return ws.OrderBooks(out...), nil
}

func (p *Processor) trades(m models.Market, raw json.RawMessage) (*ws.Message, error) {
	var data []tradeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("okx trades: %w", err)
	}
	tr, err := normalizeTrades(m, data)
	if err != nil {
		return nil, err
	}
	return ws.Trades(tr), nil
}

func normalizeTrades(m models.Market, data []tradeData) (*models.Trade, error) {
	tr := &models.Trade{Exchange: exchangeName, Symbol: m.String()}
	for _, d := range data {
		price, err := wire.Float(d.Px)
		if err != nil {
			return nil, err
		}
		qty, err := wire.Float(d.Sz)
		if err != nil {
			return nil, err
		}
		ts := models.NormalizeTimestamp(int64(d.Ts))
		tr.Result = append(tr.Result, models.TradeItem{
			TradeID:   d.TradeID,
			Side:      wire.Side(d.Side == "buy"),
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

func (p *Processor) ticker(m models.Market, raw json.RawMessage) (*ws.Message, error) {
	var data []tickerData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("okx tickers: %w", err)
	}
	out := make([]*models.Ticker, 0, len(data))
	for _, d := range data {
		out = append(out, normalizeTicker(m, d))
	}
	return ws.Tickers(out...), nil
}

func normalizeTicker(m models.Market, d tickerData) *models.Ticker {
	ts := models.NormalizeTimestamp(int64(d.Ts))
	item := models.TickerItem{
		Open:        wire.MustFloat(d.Open24h),
		High:        wire.MustFloat(d.High24h),
		Low:         wire.MustFloat(d.Low24h),
		Close:       wire.MustFloat(d.Last),
		Volume:      wire.MustFloat(d.Vol24h),
		QuoteVolume: wire.MustFloat(d.VolCcy24),
		BidPrice:    wire.MustFloat(d.BidPx),
		BidQuantity: wire.MustFloat(d.BidSz),
		AskPrice:    wire.MustFloat(d.AskPx),
		AskQuantity: wire.MustFloat(d.AskSz),
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

func (p *Processor) candles(m models.Market, interval string, raw json.RawMessage) (*ws.Message, error) {
	var rows [][]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("okx candles: %w", err)
	}
	cd, err := normalizeCandles(m, interval, rows)
	if err != nil {
		return nil, err
	}
	return ws.Candles(cd), nil
}

// normalizeCandles converts [ts, o, h, l, c, vol, volCcy, volCcyQuote,
// confirm] rows.
func normalizeCandles(m models.Market, interval string, rows [][]string) (*models.Candle, error) {
	step := intervalDuration(interval)
	cd := &models.Candle{Exchange: exchangeName, Symbol: m.String(), Interval: interval}
	for _, r := range rows {
		if len(r) < 6 {
			return nil, fmt.Errorf("okx candle row %v: too short", r)
		}
		open, err := wire.Float(r[1])
		if err != nil {
			return nil, err
		}
		ts := models.NormalizeTimestamp(int64(wire.MustFloat(r[0])))
		item := models.CandleItem{
			OpenTime:  ts,
			CloseTime: ts + step.Milliseconds() - 1,
			Open:      open,
			High:      wire.MustFloat(r[2]),
			Low:       wire.MustFloat(r[3]),
			Close:     wire.MustFloat(r[4]),
			Volume:    wire.MustFloat(r[5]),
		}
		if len(r) > 7 {
			item.QuoteVolume = wire.MustFloat(r[7])
		} else if len(r) > 6 {
			item.QuoteVolume = wire.MustFloat(r[6])
		}
		if len(r) > 8 {
			item.IsClosed = r[8] == "1"
		}
		cd.Result = append(cd.Result, item)
		if ts > cd.Timestamp {
			cd.Timestamp = ts
		}
	}
	return cd, nil
}

func intervalDuration(interval string) time.Duration {
	if interval == "" {
		return time.Minute
	}
	s := strings.ToLower(interval)
	if strings.HasSuffix(s, "d") || strings.HasSuffix(s, "w") {
		n, err := time.ParseDuration(strings.TrimRight(s, "dw") + "h")
		if err != nil {
			return time.Minute
		}
		if strings.HasSuffix(s, "w") {
			return n * 24 * 7
		}
		return n * 24
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Minute
	}
	return d
}
