// Package gopax normalizes the GOPAX websocket (primus framed) and REST
// market data. Candles are only available over REST.
package gopax

import (
	"context"
	"encoding/json"
	"fmt"
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
	exchangeName   = "gopax"
	defaultWSURL   = "wss://wsapi.gopax.co.kr"
	defaultRestURL = "https://api.gopax.co.kr"
	primusPing     = "primus::ping::"
	primusPong     = "primus::pong::"
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

// The server drives keepalive with primus pings.
func (p *Processor) PingFrame() []byte { return nil }

func (p *Processor) PingInterval() time.Duration { return 0 }

func (p *Processor) Reset() { p.guard.Clear() }

type request struct {
	I int64             `json:"i"`
	N string            `json:"n"`
	O map[string]string `json:"o"`
}

var subscribeNames = map[string]string{
	models.ChannelOrderbook: "OrderBook",
	models.ChannelTrades:    "Trades",
	models.ChannelTicker:    "Ticker",
}

func (p *Processor) SubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("SubscribeTo", sub)
}

func (p *Processor) UnsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("UnsubscribeFrom", sub)
}

func (p *Processor) frame(prefix string, sub models.SubscriptionInfo) ([]byte, error) {
	name, ok := subscribeNames[sub.Channel]
	if !ok {
		return nil, fmt.Errorf("gopax %s: %w", sub.Channel, ws.ErrUnsupportedChannel)
	}
	return json.Marshal(request{
		I: p.id.Add(1),
		N: prefix + name,
		O: map[string]string{"tradingPairName": p.conv.ToExchange(sub.Symbol)},
	})
}

// parseTopic maps a message name to the channel and whether it carries a
// full snapshot.
func parseTopic(name string) (channel string, snapshot bool) {
	switch name {
	case "SubscribeToOrderBook":
		return models.ChannelOrderbook, true
	case "OrderBookEvent":
		return models.ChannelOrderbook, false
	case "SubscribeToTrades", "PublicTrade":
		return models.ChannelTrades, false
	case "SubscribeToTicker", "TickerEvent":
		return models.ChannelTicker, false
	}
	return "", false
}

type envelope struct {
	I int64           `json:"i"`
	N string          `json:"n"`
	O json.RawMessage `json:"o"`
	E json.RawMessage `json:"e"`
}

type entry struct {
	EntryID   wire.Int64  `json:"entryId"`
	Price     wire.Number `json:"price"`
	Volume    wire.Number `json:"volume"`
	UpdatedAt wire.Number `json:"updatedAt"`
}

type bookData struct {
	Ask             []entry    `json:"ask"`
	Bid             []entry    `json:"bid"`
	TradingPairName string     `json:"tradingPairName"`
	MaxEntryID      wire.Int64 `json:"maxEntryId"`
}

type tradeData struct {
	TradeID         wire.Int64  `json:"tradeId"`
	BaseAmount      wire.Number `json:"baseAmount"`
	Price           wire.Number `json:"price"`
	IsBuy           bool        `json:"isBuy"`
	OccurredAt      wire.Number `json:"occurredAt"`
	TradingPairName string      `json:"tradingPairName"`
}

type tickerData struct {
	TradingPairName string      `json:"tradingPairName"`
	Open            wire.Number `json:"open"`
	High            wire.Number `json:"highest"`
	Low             wire.Number `json:"lowest"`
	Last            wire.Number `json:"lastPrice"`
	BaseVolume      wire.Number `json:"baseVolume"`
	QuoteVolume     wire.Number `json:"quoteVolume"`
	BestBid         wire.Number `json:"bidPrice"`
	BestAsk         wire.Number `json:"askPrice"`
	Time            wire.Number `json:"time"`
}

func (p *Processor) Process(frame []byte) (*ws.Message, error) {
	text := strings.TrimSpace(string(frame))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(frame, &s); err != nil {
			return nil, fmt.Errorf("gopax primus frame: %w", err)
		}
		text = s
	}
	if strings.HasPrefix(text, primusPing) {
		reply, _ := json.Marshal(primusPong + strings.TrimPrefix(text, primusPing))
		return ws.Ping(reply), nil
	}
	if strings.HasPrefix(text, primusPong) {
		return ws.Pong(), nil
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("gopax envelope: %w", err)
	}
	if len(env.E) > 0 && string(env.E) != "null" {
		return ws.Errorf("gopax %s: %s", env.N, strings.Trim(string(env.E), `"`)), nil
	}
	if strings.HasPrefix(env.N, "UnsubscribeFrom") {
		return ws.Ack(), nil
	}
	channel, snapshot := parseTopic(env.N)
	if channel == "" {
		return ws.Ignore(), nil
	}

	switch channel {
	case models.ChannelOrderbook:
		var d bookData
		if err := json.Unmarshal(env.O, &d); err != nil {
			return nil, fmt.Errorf("gopax orderbook: %w", err)
		}
		return p.book(d, snapshot)
	case models.ChannelTrades:
		if env.N == "SubscribeToTrades" {
			return ws.Ack(), nil
		}
		var d tradeData
		if err := json.Unmarshal(env.O, &d); err != nil {
			return nil, fmt.Errorf("gopax trade: %w", err)
		}
		m, err := p.conv.FromExchange(d.TradingPairName)
		if err != nil {
			return nil, err
		}
		return ws.Trades(normalizeTrade(m, d)), nil
	case models.ChannelTicker:
		var d tickerData
		if err := json.Unmarshal(env.O, &d); err != nil {
			return nil, fmt.Errorf("gopax ticker: %w", err)
		}
		if d.TradingPairName == "" {
			return ws.Ack(), nil
		}
		m, err := p.conv.FromExchange(d.TradingPairName)
		if err != nil {
			return nil, err
		}
		return ws.Tickers(normalizeTicker(m, d)), nil
	}
	return ws.Ignore(), nil
}

func (p *Processor) book(d bookData, snapshot bool) (*ws.Message, error) {
	m, err := p.conv.FromExchange(d.TradingPairName)
	if err != nil {
		return nil, err
	}
	key := m.String()
	// deltas carry per-level entry ids; the largest is the update's sequence
	seq := int64(d.MaxEntryID)
	var ts float64
	asks := levels(d.Ask, &seq, &ts)
	bids := levels(d.Bid, &seq, &ts)

	action := models.ActionDelta
	if snapshot {
		action = models.ActionSnapshot
		p.guard.Reset(key, seq)
	} else if !p.guard.Accept(key, seq) {
		return ws.Ignore(), nil
	}
	stamp := wire.Millis(ts)
	if stamp == 0 {
		stamp = models.NowMillis()
	}
	return ws.OrderBooks(wire.Book(exchangeName, m, stamp, action, seq, asks, bids)), nil
}

func levels(entries []entry, seq *int64, ts *float64) []models.OrderBookItem {
	out := make([]models.OrderBookItem, 0, len(entries))
	for _, e := range entries {
		if int64(e.EntryID) > *seq {
			*seq = int64(e.EntryID)
		}
		if e.UpdatedAt.Float() > *ts {
			*ts = e.UpdatedAt.Float()
		}
		out = append(out, models.OrderBookItem{Price: e.Price.Float(), Quantity: e.Volume.Float(), ID: int64(e.EntryID)})
	}
	return out
}

func normalizeTrade(m models.Market, d tradeData) *models.Trade {
	ts := wire.Millis(d.OccurredAt.Float())
	price, qty := d.Price.Float(), d.BaseAmount.Float()
	tr := &models.Trade{
		Exchange:  exchangeName,
		Symbol:    m.String(),
		Timestamp: ts,
		Result: []models.TradeItem{{
			TradeID:   fmt.Sprint(int64(d.TradeID)),
			Side:      wire.Side(d.IsBuy),
			OrderType: models.OrderTypeMarket,
			Price:     price,
			Quantity:  qty,
			Amount:    wire.Amount(price, qty),
			Timestamp: ts,
		}},
	}
	tr.DropInvalid()
	return tr
}

func normalizeTicker(m models.Market, d tickerData) *models.Ticker {
	ts := wire.Millis(d.Time.Float())
	if ts == 0 {
		ts = models.NowMillis()
	}
	item := models.TickerItem{
		Open:        d.Open.Float(),
		High:        d.High.Float(),
		Low:         d.Low.Float(),
		Close:       d.Last.Float(),
		Volume:      d.BaseVolume.Float(),
		QuoteVolume: d.QuoteVolume.Float(),
		BidPrice:    d.BestBid.Float(),
		AskPrice:    d.BestAsk.Float(),
		Timestamp:   ts,
	}
	if item.Open != 0 {
		item.Change = item.Close - item.Open
		item.Percentage = item.Change * 100 / item.Open
	}
	if item.Volume != 0 && item.QuoteVolume != 0 {
		item.Vwap = item.QuoteVolume / item.Volume
	}
	return &models.Ticker{Exchange: exchangeName, Symbol: m.String(), Timestamp: ts, Result: item}
}
