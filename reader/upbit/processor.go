// Package upbit normalizes the Upbit KRW market feeds. Upbit has no
// incremental subscribe: every request carries the full set of types and
// codes, so the processor implements ws.BatchSubscriber.
package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cryptofeed/config"
	"cryptofeed/internal/symbols"
	"cryptofeed/internal/ws"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

const (
	exchangeName   = "upbit"
	defaultWSURL   = "wss://api.upbit.com/websocket/v1"
	defaultRestURL = "https://api.upbit.com"
	pingInterval   = 60 * time.Second
)

type Processor struct {
	url  string
	conv symbols.Converter
}

func NewProcessor(cfg config.ExchangeConfig) *Processor {
	url := cfg.WebSocketURL
	if url == "" {
		url = defaultWSURL
	}
	conv, _ := symbols.For(exchangeName)
	return &Processor{url: url, conv: conv}
}

func (p *Processor) Name() string { return exchangeName }

func (p *Processor) Endpoint(context.Context) (ws.Endpoint, error) {
	return ws.Endpoint{URL: p.url}, nil
}

// PingFrame is the text PING; the server answers {"status":"UP"}.
func (p *Processor) PingFrame() []byte { return []byte("PING") }

func (p *Processor) PingInterval() time.Duration { return pingInterval }

var streamTypes = map[string]string{
	models.ChannelOrderbook: "orderbook",
	models.ChannelTrades:    "trade",
	models.ChannelTicker:    "ticker",
}

// typeOrder keeps frames stable for a given set.
var typeOrder = []string{models.ChannelOrderbook, models.ChannelTrades, models.ChannelTicker}

func (p *Processor) SubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	if _, ok := streamTypes[sub.Channel]; !ok {
		return nil, fmt.Errorf("upbit %s: %w", sub.Channel, ws.ErrUnsupportedChannel)
	}
	return p.SubscriptionFrame([]models.SubscriptionInfo{sub})
}

// UnsubscribeFrame has no wire form on its own; the client asks for the
// remaining set through SubscriptionFrame instead.
func (p *Processor) UnsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	if _, ok := streamTypes[sub.Channel]; !ok {
		return nil, fmt.Errorf("upbit %s: %w", sub.Channel, ws.ErrUnsupportedChannel)
	}
	return p.SubscriptionFrame(nil)
}

// SubscriptionFrame builds the request array for the whole active set:
// a ticket, one entry per stream type, and the format. An empty set sends
// only the ticket and format, which stops every stream.
func (p *Processor) SubscriptionFrame(active []models.SubscriptionInfo) ([]byte, error) {
	codes := make(map[string][]string)
	for _, sub := range active {
		if _, ok := streamTypes[sub.Channel]; !ok {
			continue
		}
		codes[sub.Channel] = append(codes[sub.Channel], p.conv.ToExchange(sub.Symbol))
	}
	req := []interface{}{map[string]string{"ticket": uuid.NewString()}}
	for _, ch := range typeOrder {
		if len(codes[ch]) == 0 {
			continue
		}
		req = append(req, map[string]interface{}{"type": streamTypes[ch], "codes": codes[ch]})
	}
	req = append(req, map[string]string{"format": "DEFAULT"})
	return json.Marshal(req)
}

type envelope struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Status string `json:"status"`
	Error  *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

type orderbookUnit struct {
	AskPrice wire.Number `json:"ask_price"`
	BidPrice wire.Number `json:"bid_price"`
	AskSize  wire.Number `json:"ask_size"`
	BidSize  wire.Number `json:"bid_size"`
}

type orderbookData struct {
	Code      string          `json:"code"`
	Market    string          `json:"market"`
	Timestamp int64           `json:"timestamp"`
	Units     []orderbookUnit `json:"orderbook_units"`
}

type tradeData struct {
	Code           string      `json:"code"`
	Market         string      `json:"market"`
	Timestamp      int64       `json:"timestamp"`
	TradeTimestamp int64       `json:"trade_timestamp"`
	TradePrice     wire.Number `json:"trade_price"`
	TradeVolume    wire.Number `json:"trade_volume"`
	AskBid         string      `json:"ask_bid"`
	SequentialID   wire.Int64  `json:"sequential_id"`
}

type tickerData struct {
	Code              string      `json:"code"`
	Market            string      `json:"market"`
	OpeningPrice      wire.Number `json:"opening_price"`
	HighPrice         wire.Number `json:"high_price"`
	LowPrice          wire.Number `json:"low_price"`
	TradePrice        wire.Number `json:"trade_price"`
	SignedChangePrice wire.Number `json:"signed_change_price"`
	SignedChangeRate  wire.Number `json:"signed_change_rate"`
	AccTradeVolume24h wire.Number `json:"acc_trade_volume_24h"`
	AccTradePrice24h  wire.Number `json:"acc_trade_price_24h"`
	Timestamp         int64       `json:"timestamp"`
}

func (p *Processor) Process(frame []byte) (*ws.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("upbit envelope: %w", err)
	}
	switch {
	case env.Error != nil:
		return ws.Errorf("upbit %s: %s", env.Error.Name, env.Error.Message), nil
	case env.Status == "UP":
		return ws.Pong(), nil
	case env.Code == "":
		return ws.Ignore(), nil
	}
	m, err := p.conv.FromExchange(env.Code)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case "orderbook":
		var d orderbookData
		if err := json.Unmarshal(frame, &d); err != nil {
			return nil, fmt.Errorf("upbit orderbook: %w", err)
		}
		return ws.OrderBooks(normalizeOrderbook(m, d)), nil
	case "trade":
		var d tradeData
		if err := json.Unmarshal(frame, &d); err != nil {
			return nil, fmt.Errorf("upbit trade: %w", err)
		}
		return ws.Trades(normalizeTrades(m, []tradeData{d})), nil
	case "ticker":
		var d tickerData
		if err := json.Unmarshal(frame, &d); err != nil {
			return nil, fmt.Errorf("upbit ticker: %w", err)
		}
		return ws.Tickers(normalizeTicker(m, d)), nil
	}
	return ws.Ignore(), nil
}

// normalizeOrderbook splits the paired units into asks and bids. Every
// message is the full top of book, so it is a snapshot.
func normalizeOrderbook(m models.Market, d orderbookData) *models.OrderBook {
	asks := make([]models.OrderBookItem, 0, len(d.Units))
	bids := make([]models.OrderBookItem, 0, len(d.Units))
	for _, u := range d.Units {
		if u.AskPrice > 0 {
			asks = append(asks, models.OrderBookItem{Price: u.AskPrice.Float(), Quantity: u.AskSize.Float()})
		}
		if u.BidPrice > 0 {
			bids = append(bids, models.OrderBookItem{Price: u.BidPrice.Float(), Quantity: u.BidSize.Float()})
		}
	}
	return wire.Book(exchangeName, m, d.Timestamp, models.ActionSnapshot, 0, asks, bids)
}

func normalizeTrades(m models.Market, rows []tradeData) *models.Trade {
	tr := &models.Trade{Exchange: exchangeName, Symbol: m.String()}
	for _, d := range rows {
		ts := d.TradeTimestamp
		if ts == 0 {
			ts = d.Timestamp
		}
		ts = models.NormalizeTimestamp(ts)
		price, qty := d.TradePrice.Float(), d.TradeVolume.Float()
		tr.Result = append(tr.Result, models.TradeItem{
			TradeID:   fmt.Sprint(int64(d.SequentialID)),
			Side:      wire.Side(d.AskBid == "BID"),
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

func normalizeTicker(m models.Market, d tickerData) *models.Ticker {
	ts := models.NormalizeTimestamp(d.Timestamp)
	if ts == 0 {
		ts = models.NowMillis()
	}
	item := models.TickerItem{
		Open:        d.OpeningPrice.Float(),
		High:        d.HighPrice.Float(),
		Low:         d.LowPrice.Float(),
		Close:       d.TradePrice.Float(),
		Volume:      d.AccTradeVolume24h.Float(),
		QuoteVolume: d.AccTradePrice24h.Float(),
		Change:      d.SignedChangePrice.Float(),
		Percentage:  d.SignedChangeRate.Float() * 100,
		Timestamp:   ts,
	}
	if item.Volume != 0 {
		item.Vwap = item.QuoteVolume / item.Volume
	}
	return &models.Ticker{Exchange: exchangeName, Symbol: m.String(), Timestamp: ts, Result: item}
}
