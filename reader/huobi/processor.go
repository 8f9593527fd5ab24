// Package huobi normalizes the Huobi (HTX) spot feeds. Every websocket
// frame is gzip compressed.
package huobi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/orderbook"
	"cryptofeed/internal/symbols"
	"cryptofeed/internal/ws"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

const (
	exchangeName   = "huobi"
	defaultWSURL   = "wss://api.huobi.pro/ws"
	defaultRestURL = "https://api.huobi.pro"
)

type Processor struct {
	url   string
	conv  symbols.Converter
	guard *orderbook.SequenceGuard
	id    atomic.Int64
}

func NewProcessor(cfg config.ExchangeConfig) *Processor {
	url := cfg.WebSocketURL
	if url == "" {
		url = defaultWSURL
	}
	conv, _ := symbols.For(exchangeName)
	return &Processor{url: url, conv: conv, guard: orderbook.NewSequenceGuard()}
}

func (p *Processor) Name() string { return exchangeName }

func (p *Processor) Endpoint(context.Context) (ws.Endpoint, error) {
	return ws.Endpoint{URL: p.url}, nil
}

// The server pings every 5s and expects a pong echo.
func (p *Processor) PingFrame() []byte { return nil }

func (p *Processor) PingInterval() time.Duration { return 0 }

func (p *Processor) Reset() { p.guard.Clear() }

func (p *Processor) SubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("sub", sub)
}

func (p *Processor) UnsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("unsub", sub)
}

func (p *Processor) frame(op string, sub models.SubscriptionInfo) ([]byte, error) {
	topic, err := topicFor(sub.Channel, p.conv.ToExchange(sub.Symbol), sub.Extra)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{op: topic, "id": "id" + strconv.FormatInt(p.id.Add(1), 10)})
}

func topicFor(channel, symbol, extra string) (string, error) {
	switch channel {
	case models.ChannelOrderbook:
		return "market." + symbol + ".depth.step0", nil
	case models.ChannelTrades:
		return "market." + symbol + ".trade.detail", nil
	case models.ChannelTicker:
		return "market." + symbol + ".ticker", nil
	case models.ChannelCandles:
		return "market." + symbol + ".kline." + period(extra), nil
	}
	return "", fmt.Errorf("huobi %s: %w", channel, ws.ErrUnsupportedChannel)
}

var periods = map[string]string{
	"1m": "1min", "5m": "5min", "15m": "15min", "30m": "30min",
	"1h": "60min", "4h": "4hour", "1d": "1day", "1w": "1week", "1M": "1mon",
}

// period converts "1m" or "1h" to Huobi's "1min" or "60min".
func period(interval string) string {
	if interval == "" {
		return "1min"
	}
	if p, ok := periods[interval]; ok {
		return p
	}
	return interval
}

func normalInterval(p string) string {
	for k, v := range periods {
		if v == p {
			return k
		}
	}
	return p
}

// parseTopic splits "market.btcusdt.kline.1min" into channel, interval and
// wire symbol.
func parseTopic(ch string) (channel, extra, symbol string) {
	parts := strings.Split(ch, ".")
	if len(parts) < 3 || parts[0] != "market" {
		return "", "", ""
	}
	symbol = parts[1]
	switch parts[2] {
	case "depth", "mbp":
		return models.ChannelOrderbook, "", symbol
	case "trade":
		return models.ChannelTrades, "", symbol
	case "ticker":
		return models.ChannelTicker, "", symbol
	case "kline":
		if len(parts) == 4 {
			return models.ChannelCandles, normalInterval(parts[3]), symbol
		}
	}
	return "", "", ""
}

type envelope struct {
	Ping     json.RawMessage `json:"ping"`
	Pong     json.RawMessage `json:"pong"`
	Status   string          `json:"status"`
	Subbed   string          `json:"subbed"`
	Unsubbed string          `json:"unsubbed"`
	ErrCode  string          `json:"err-code"`
	ErrMsg   string          `json:"err-msg"`
	Ch       string          `json:"ch"`
	Ts       int64           `json:"ts"`
	Tick     json.RawMessage `json:"tick"`
}

type depthTick struct {
	Bids    [][]wire.Number `json:"bids"`
	Asks    [][]wire.Number `json:"asks"`
	Version int64           `json:"version"`
	Ts      int64           `json:"ts"`
}

type tradeItem struct {
	TradeID   wire.Int64  `json:"tradeId"`
	ID        json.Number `json:"id"`
	Ts        int64       `json:"ts"`
	Amount    wire.Number `json:"amount"`
	Price     wire.Number `json:"price"`
	Direction string      `json:"direction"`
}

type tradeTick struct {
	Ts   int64       `json:"ts"`
	Data []tradeItem `json:"data"`
}

type tickerTick struct {
	Symbol  string      `json:"symbol"`
	Open    wire.Number `json:"open"`
	High    wire.Number `json:"high"`
	Low     wire.Number `json:"low"`
	Close   wire.Number `json:"close"`
	Amount  wire.Number `json:"amount"`
	Vol     wire.Number `json:"vol"`
	Bid     wire.Number `json:"bid"`
	BidSize wire.Number `json:"bidSize"`
	Ask     wire.Number `json:"ask"`
	AskSize wire.Number `json:"askSize"`
}

type klineTick struct {
	ID     int64       `json:"id"`
	Open   wire.Number `json:"open"`
	Close  wire.Number `json:"close"`
	Low    wire.Number `json:"low"`
	High   wire.Number `json:"high"`
	Amount wire.Number `json:"amount"`
	Vol    wire.Number `json:"vol"`
}

func (p *Processor) Process(frame []byte) (*ws.Message, error) {
	if !ws.LooksLikeText(frame) {
		plain, err := ws.Gunzip(frame)
		if err != nil {
			return nil, err
		}
		frame = plain
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("huobi envelope: %w", err)
	}
	switch {
	case len(env.Ping) > 0:
		return ws.Ping([]byte(`{"pong":` + string(env.Ping) + `}`)), nil
	case len(env.Pong) > 0:
		return ws.Pong(), nil
	case env.Status == "error":
		return ws.Errorf("huobi %s: %s", env.ErrCode, env.ErrMsg), nil
	case env.Subbed != "" || env.Unsubbed != "":
		return ws.Ack(), nil
	case env.Ch == "":
		return ws.Ignore(), nil
	}

	channel, extra, sym := parseTopic(env.Ch)
	if channel == "" {
		return ws.Ignore(), nil
	}
	m, err := p.conv.FromExchange(sym)
	if err != nil {
		return nil, err
	}

	switch channel {
	case models.ChannelOrderbook:
		var t depthTick
		if err := json.Unmarshal(env.Tick, &t); err != nil {
			return nil, fmt.Errorf("huobi depth: %w", err)
		}
		if !p.guard.Accept(m.String(), t.Version) {
			return ws.Ignore(), nil
		}
		ob, err := normalizeDepth(m, t, env.Ts)
		if err != nil {
			return nil, err
		}
		return ws.OrderBooks(ob), nil
	case models.ChannelTrades:
		var t tradeTick
		if err := json.Unmarshal(env.Tick, &t); err != nil {
			return nil, fmt.Errorf("huobi trade: %w", err)
		}
		return ws.Trades(normalizeTrades(m, t.Data)), nil
	case models.ChannelTicker:
		var t tickerTick
		if err := json.Unmarshal(env.Tick, &t); err != nil {
			return nil, fmt.Errorf("huobi ticker: %w", err)
		}
		return ws.Tickers(normalizeTicker(m, t, env.Ts)), nil
	case models.ChannelCandles:
		var t klineTick
		if err := json.Unmarshal(env.Tick, &t); err != nil {
			return nil, fmt.Errorf("huobi kline: %w", err)
		}
		return ws.Candles(normalizeKlines(m, extra, []klineTick{t}, false)), nil
	}
	return ws.Ignore(), nil
}

// normalizeDepth builds a snapshot; step0 pushes the full top 150 levels.
func normalizeDepth(m models.Market, t depthTick, ts int64) (*models.OrderBook, error) {
	asks, err := wire.NumberLevels(t.Asks)
	if err != nil {
		return nil, err
	}
	bids, err := wire.NumberLevels(t.Bids)
	if err != nil {
		return nil, err
	}
	if t.Ts != 0 {
		ts = t.Ts
	}
	return wire.Book(exchangeName, m, ts, models.ActionSnapshot, t.Version, asks, bids), nil
}

func normalizeTrades(m models.Market, items []tradeItem) *models.Trade {
	tr := &models.Trade{Exchange: exchangeName, Symbol: m.String()}
	for _, it := range items {
		id := it.ID.String()
		if it.TradeID != 0 {
			id = strconv.FormatInt(int64(it.TradeID), 10)
		}
		price, qty := it.Price.Float(), it.Amount.Float()
		ts := models.NormalizeTimestamp(it.Ts)
		tr.Result = append(tr.Result, models.TradeItem{
			TradeID:   id,
			Side:      wire.Side(it.Direction == "buy"),
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
	return tr
}

func normalizeTicker(m models.Market, t tickerTick, ts int64) *models.Ticker {
	ts = models.NormalizeTimestamp(ts)
	item := models.TickerItem{
		Open:        t.Open.Float(),
		High:        t.High.Float(),
		Low:         t.Low.Float(),
		Close:       t.Close.Float(),
		Volume:      t.Amount.Float(),
		QuoteVolume: t.Vol.Float(),
		BidPrice:    t.Bid.Float(),
		BidQuantity: t.BidSize.Float(),
		AskPrice:    t.Ask.Float(),
		AskQuantity: t.AskSize.Float(),
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

func normalizeKlines(m models.Market, interval string, ticks []klineTick, closed bool) *models.Candle {
	step := intervalMillis(interval)
	now := models.NowMillis()
	cd := &models.Candle{Exchange: exchangeName, Symbol: m.String(), Interval: interval}
	for _, t := range ticks {
		openTime := models.NormalizeTimestamp(t.ID)
		closeTime := openTime + step - 1
		cd.Result = append(cd.Result, models.CandleItem{
			OpenTime:    openTime,
			CloseTime:   closeTime,
			Open:        t.Open.Float(),
			High:        t.High.Float(),
			Low:         t.Low.Float(),
			Close:       t.Close.Float(),
			Volume:      t.Amount.Float(),
			QuoteVolume: t.Vol.Float(),
			IsClosed:    closed && closeTime < now,
		})
		if openTime > cd.Timestamp {
			cd.Timestamp = openTime
		}
	}
	return cd
}

func intervalMillis(interval string) int64 {
	n := len(interval)
	if n < 2 {
		return time.Minute.Milliseconds()
	}
	count, err := strconv.Atoi(interval[:n-1])
	if err != nil {
		return time.Minute.Milliseconds()
	}
	unit := time.Minute
	switch interval[n-1] {
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'M':
		unit = 30 * 24 * time.Hour
	}
	return (time.Duration(count) * unit).Milliseconds()
}
