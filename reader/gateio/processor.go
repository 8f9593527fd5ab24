// Package gateio normalizes the Gate.io v4 spot websocket and REST feeds.
package gateio

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
	exchangeName   = "gateio"
	defaultWSURL   = "wss://api.gateio.ws/ws/v4/"
	defaultRestURL = "https://api.gateio.ws"
	pingInterval   = 15 * time.Second
	bookLevels     = "20"
	bookInterval   = "100ms"
)

const (
	channelBook    = "spot.order_book"
	channelTrades  = "spot.trades"
	channelTickers = "spot.tickers"
	channelCandles = "spot.candlesticks"
)

type Processor struct {
	url   string
	conv  symbols.Converter
	guard *orderbook.SequenceGuard
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

func (p *Processor) PingFrame() []byte {
	return []byte(fmt.Sprintf(`{"time":%d,"channel":"spot.ping"}`, time.Now().Unix()))
}

func (p *Processor) PingInterval() time.Duration { return pingInterval }

func (p *Processor) Reset() { p.guard.Clear() }

type request struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Payload []string `json:"payload"`
}

func (p *Processor) SubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("subscribe", sub)
}

func (p *Processor) UnsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("unsubscribe", sub)
}

func (p *Processor) frame(event string, sub models.SubscriptionInfo) ([]byte, error) {
	pair := p.conv.ToExchange(sub.Symbol)
	var req request
	switch sub.Channel {
	case models.ChannelOrderbook:
		req = request{Channel: channelBook, Payload: []string{pair, bookLevels, bookInterval}}
	case models.ChannelTrades:
		req = request{Channel: channelTrades, Payload: []string{pair}}
	case models.ChannelTicker:
		req = request{Channel: channelTickers, Payload: []string{pair}}
	case models.ChannelCandles:
		interval := sub.Extra
		if interval == "" {
			interval = "1m"
		}
		req = request{Channel: channelCandles, Payload: []string{interval, pair}}
	default:
		return nil, fmt.Errorf("gateio %s: %w", sub.Channel, ws.ErrUnsupportedChannel)
	}
	req.Time = time.Now().Unix()
	req.Event = event
	return json.Marshal(req)
}

func parseTopic(channel string) string {
	switch channel {
	case channelBook:
		return models.ChannelOrderbook
	case channelTrades:
		return models.ChannelTrades
	case channelTickers:
		return models.ChannelTicker
	case channelCandles:
		return models.ChannelCandles
	}
	return ""
}

type envelope struct {
	Time    int64           `json:"time"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *apiError       `json:"error"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bookData struct {
	Time         int64      `json:"t"`
	LastUpdateID int64      `json:"lastUpdateId"`
	Symbol       string     `json:"s"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type tradeData struct {
	ID           int64       `json:"id"`
	CreateTimeMs wire.Number `json:"create_time_ms"`
	Side         string      `json:"side"`
	CurrencyPair string      `json:"currency_pair"`
	Amount       string      `json:"amount"`
	Price        string      `json:"price"`
}

type tickerData struct {
	CurrencyPair     string `json:"currency_pair"`
	Last             string `json:"last"`
	LowestAsk        string `json:"lowest_ask"`
	HighestBid       string `json:"highest_bid"`
	ChangePercentage string `json:"change_percentage"`
	BaseVolume       string `json:"base_volume"`
	QuoteVolume      string `json:"quote_volume"`
	High24h          string `json:"high_24h"`
	Low24h           string `json:"low_24h"`
}

type candleData struct {
	Time        string `json:"t"`
	QuoteVolume string `json:"v"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Open        string `json:"o"`
	Name        string `json:"n"`
	Amount      string `json:"a"`
	Closed      bool   `json:"w"`
}

func (p *Processor) Process(frame []byte) (*ws.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("gateio envelope: %w", err)
	}
	if env.Channel == "spot.pong" {
		return ws.Pong(), nil
	}
	if env.Error != nil {
		return ws.Errorf("gateio %s error %d: %s", env.Channel, env.Error.Code, env.Error.Message), nil
	}
	switch env.Event {
	case "subscribe", "unsubscribe":
		return ws.Ack(), nil
	case "update", "all":
	default:
		return ws.Ignore(), nil
	}

	switch parseTopic(env.Channel) {
	case models.ChannelOrderbook:
		var d bookData
		if err := json.Unmarshal(env.Result, &d); err != nil {
			return nil, fmt.Errorf("gateio order book: %w", err)
		}
		m, err := p.conv.FromExchange(d.Symbol)
		if err != nil {
			return nil, err
		}
		if !p.guard.Accept(m.String(), d.LastUpdateID) {
			return ws.Ignore(), nil
		}
		asks, err := wire.Levels(d.Asks)
		if err != nil {
			return nil, err
		}
		bids, err := wire.Levels(d.Bids)
		if err != nil {
			return nil, err
		}
		// limited-level channel pushes the full top of book each time
		return ws.OrderBooks(wire.Book(exchangeName, m, d.Time, models.ActionSnapshot, d.LastUpdateID, asks, bids)), nil

	case models.ChannelTrades:
		var d tradeData
		if err := json.Unmarshal(env.Result, &d); err != nil {
			return nil, fmt.Errorf("gateio trades: %w", err)
		}
		m, err := p.conv.FromExchange(d.CurrencyPair)
		if err != nil {
			return nil, err
		}
		tr, err := normalizeTrades(m, []tradeData{d})
		if err != nil {
			return nil, err
		}
		return ws.Trades(tr), nil

	case models.ChannelTicker:
		var d tickerData
		if err := json.Unmarshal(env.Result, &d); err != nil {
			return nil, fmt.Errorf("gateio tickers: %w", err)
		}
		m, err := p.conv.FromExchange(d.CurrencyPair)
		if err != nil {
			return nil, err
		}
		return ws.Tickers(normalizeTicker(m, d, env.Time)), nil

	case models.ChannelCandles:
		var d candleData
		if err := json.Unmarshal(env.Result, &d); err != nil {
			return nil, fmt.Errorf("gateio candlesticks: %w", err)
		}
		interval, pair, ok := strings.Cut(d.Name, "_")
		if !ok {
			return nil, fmt.Errorf("gateio candlestick name %q", d.Name)
		}
		m, err := p.conv.FromExchange(pair)
		if err != nil {
			return nil, err
		}
		cd, err := normalizeCandles(m, interval, []candleData{d})
		if err != nil {
			return nil, err
		}
		return ws.Candles(cd), nil
	}
	return ws.Ignore(), nil
}

func normalizeTrades(m models.Market, data []tradeData) (*models.Trade, error) {
	tr := &models.Trade{Exchange: exchangeName, Symbol: m.String()}
	for _, d := range data {
		price, err := wire.Float(d.Price)
		if err != nil {
			return nil, err
		}
		qty, err := wire.Float(d.Amount)
		if err != nil {
			return nil, err
		}
		ts := models.NormalizeTimestamp(int64(d.CreateTimeMs.Float()))
		tr.Result = append(tr.Result, models.TradeItem{
			TradeID:   strconv.FormatInt(d.ID, 10),
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

func normalizeTicker(m models.Market, d tickerData, ts int64) *models.Ticker {
	if ts == 0 {
		ts = models.NowMillis()
	}
	ts = models.NormalizeTimestamp(ts)
	item := models.TickerItem{
		High:        wire.MustFloat(d.High24h),
		Low:         wire.MustFloat(d.Low24h),
		Close:       wire.MustFloat(d.Last),
		Volume:      wire.MustFloat(d.BaseVolume),
		QuoteVolume: wire.MustFloat(d.QuoteVolume),
		BidPrice:    wire.MustFloat(d.HighestBid),
		AskPrice:    wire.MustFloat(d.LowestAsk),
		Percentage:  wire.MustFloat(d.ChangePercentage),
		Timestamp:   ts,
	}
	// open is implied by the percentage change
	if item.Percentage != -100 {
		item.Open = item.Close * 100 / (100 + item.Percentage)
		item.Change = item.Close - item.Open
	}
	if item.Volume != 0 {
		item.Vwap = item.QuoteVolume / item.Volume
	}
	return &models.Ticker{Exchange: exchangeName, Symbol: m.String(), Timestamp: ts, Result: item}
}

func normalizeCandles(m models.Market, interval string, data []candleData) (*models.Candle, error) {
	step := intervalMillis(interval)
	cd := &models.Candle{Exchange: exchangeName, Symbol: m.String(), Interval: interval}
	for _, d := range data {
		sec, err := strconv.ParseInt(d.Time, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gateio candle time %q: %w", d.Time, err)
		}
		open, err := wire.Float(d.Open)
		if err != nil {
			return nil, err
		}
		openTime := models.NormalizeTimestamp(sec)
		cd.Result = append(cd.Result, models.CandleItem{
			OpenTime:    openTime,
			CloseTime:   openTime + step - 1,
			Open:        open,
			High:        wire.MustFloat(d.High),
			Low:         wire.MustFloat(d.Low),
			Close:       wire.MustFloat(d.Close),
			Volume:      wire.MustFloat(d.Amount),
			QuoteVolume: wire.MustFloat(d.QuoteVolume),
			IsClosed:    d.Closed,
		})
		if openTime > cd.Timestamp {
			cd.Timestamp = openTime
		}
	}
	return cd, nil
}

func intervalMillis(interval string) int64 {
	if interval == "" {
		return time.Minute.Milliseconds()
	}
	n := len(interval)
	count, err := strconv.Atoi(interval[:n-1])
	if err != nil {
		return time.Minute.Milliseconds()
	}
	unit := time.Minute
	switch interval[n-1] {
	case 's':
		unit = time.Second
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	}
	return (time.Duration(count) * unit).Milliseconds()
}
