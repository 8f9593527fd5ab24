// Package binance normalizes the Binance USD-M futures market streams.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"cryptofeed/config"
	"cryptofeed/internal/orderbook"
	"cryptofeed/internal/symbols"
	"cryptofeed/internal/ws"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

const (
	exchangeName   = "binance"
	defaultWSURL   = "wss://fstream.binance.com/ws"
	defaultRestURL = "https://fapi.binance.com"
	// The server pings every few minutes; a client ping keeps the silence
	// check meaningful.
	pingInterval = 3 * time.Minute
	bookDepth    = 20
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

// PingFrame is nil so the client sends a control ping.
func (p *Processor) PingFrame() []byte { return nil }

func (p *Processor) PingInterval() time.Duration { return pingInterval }

func (p *Processor) Reset() { p.guard.Clear() }

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (p *Processor) SubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("SUBSCRIBE", sub)
}

func (p *Processor) UnsubscribeFrame(sub models.SubscriptionInfo) ([]byte, error) {
	return p.frame("UNSUBSCRIBE", sub)
}

func (p *Processor) frame(method string, sub models.SubscriptionInfo) ([]byte, error) {
	stream, err := streamName(strings.ToLower(p.conv.ToExchange(sub.Symbol)), sub.Channel, sub.Extra)
	if err != nil {
		return nil, err
	}
	return json.Marshal(request{Method: method, Params: []string{stream}, ID: p.id.Add(1)})
}

func streamName(symbol, channel, extra string) (string, error) {
	switch channel {
	case models.ChannelOrderbook:
		return fmt.Sprintf("%s@depth%d@100ms", symbol, bookDepth), nil
	case models.ChannelTrades:
		return symbol + "@aggTrade", nil
	case models.ChannelTicker:
		return symbol + "@ticker", nil
	case models.ChannelCandles:
		if extra == "" {
			extra = "1m"
		}
		return symbol + "@kline_" + extra, nil
	}
	return "", fmt.Errorf("binance %s: %w", channel, ws.ErrUnsupportedChannel)
}

// parseTopic maps an event type to the normalized channel.
func parseTopic(event string) string {
	switch event {
	case "depthUpdate":
		return models.ChannelOrderbook
	case "aggTrade", "trade":
		return models.ChannelTrades
	case "24hrTicker":
		return models.ChannelTicker
	case "kline":
		return models.ChannelCandles
	}
	return ""
}

// Binance frames carry keys that differ only in case ("e" and "E", "u" and
// "U"). encoding/json folds case when a key has no exact field, so every such
// key gets a field of its own.
type envelope struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	ID        *int64          `json:"id"`
	Error     *apiError       `json:"error"`
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// depthEvent mirrors futures.WsDepthEvent with raw level arrays; the SDK
// PriceLevel does not decode from JSON arrays.
type depthEvent struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	TradeTime int64      `json:"T"`
	Symbol    string     `json:"s"`
	First     int64      `json:"U"`
	Final     int64      `json:"u"`
	PrevFinal int64      `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

func (p *Processor) Process(frame []byte) (*ws.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("binance envelope: %w", err)
	}
	// combined streams wrap the event
	if env.Stream != "" && len(env.Data) > 0 {
		frame = env.Data
		env = envelope{}
		if err := json.Unmarshal(frame, &env); err != nil {
			return nil, fmt.Errorf("binance envelope: %w", err)
		}
	}
	if env.Error != nil {
		return ws.Errorf("binance error %d: %s", env.Error.Code, env.Error.Msg), nil
	}
	if env.ID != nil && env.Event == "" {
		return ws.Ack(), nil
	}
	channel := parseTopic(env.Event)
	if channel == "" {
		return ws.Ignore(), nil
	}
	m, err := p.conv.FromExchange(env.Symbol)
	if err != nil {
		return nil, err
	}

	switch channel {
	case models.ChannelOrderbook:
		var ev depthEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("binance depth: %w", err)
		}
		if !p.guard.Accept(m.String(), ev.Final) {
			return ws.Ignore(), nil
		}
		asks, err := wire.Levels(ev.Asks)
		if err != nil {
			return nil, err
		}
		bids, err := wire.Levels(ev.Bids)
		if err != nil {
			return nil, err
		}
		ts := ev.TradeTime
		if ts == 0 {
			ts = ev.EventTime
		}
		// partial depth streams carry the full top of book
		return ws.OrderBooks(wire.Book(exchangeName, m, ts, models.ActionSnapshot, ev.Final, asks, bids)), nil

	case models.ChannelTrades:
		var ev futures.WsAggTradeEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("binance trade: %w", err)
		}
		tr, err := normalizeTrade(m, ev)
		if err != nil {
			return nil, err
		}
		return ws.Trades(tr), nil

	case models.ChannelTicker:
		var ev futures.WsMarketTickerEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("binance ticker: %w", err)
		}
		return ws.Tickers(normalizeTicker(m, ev)), nil

	case models.ChannelCandles:
		var ev futures.WsKlineEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			return nil, fmt.Errorf("binance kline: %w", err)
		}
		k := ev.Kline
		open, err := wire.Float(k.Open)
		if err != nil {
			return nil, err
		}
		item := models.CandleItem{
			OpenTime:    k.StartTime,
			CloseTime:   k.EndTime,
			Open:        open,
			High:        wire.MustFloat(k.High),
			Low:         wire.MustFloat(k.Low),
			Close:       wire.MustFloat(k.Close),
			Volume:      wire.MustFloat(k.Volume),
			QuoteVolume: wire.MustFloat(k.QuoteVolume),
			IsClosed:    k.IsFinal,
		}
		return ws.Candles(&models.Candle{
			Exchange:  exchangeName,
			Symbol:    m.String(),
			Interval:  k.Interval,
			Timestamp: k.StartTime,
			Result:    []models.CandleItem{item},
		}), nil
	}
	return ws.Ignore(), nil
}

func normalizeTrade(m models.Market, ev futures.WsAggTradeEvent) (*models.Trade, error) {
	price, err := wire.Float(ev.Price)
	if err != nil {
		return nil, err
	}
	qty, err := wire.Float(ev.Quantity)
	if err != nil {
		return nil, err
	}
	ts := models.NormalizeTimestamp(ev.TradeTime)
	tr := &models.Trade{
		Exchange:  exchangeName,
		Symbol:    m.String(),
		Timestamp: ts,
		Result: []models.TradeItem{{
			TradeID: strconv.FormatInt(ev.AggregateTradeID, 10),
			// a buyer-maker trade was initiated by the seller
			Side:      wire.Side(!ev.Maker),
			OrderType: models.OrderTypeMarket,
			Price:     price,
			Quantity:  qty,
			Amount:    wire.Amount(price, qty),
			Timestamp: ts,
		}},
	}
	tr.DropInvalid()
	return tr, nil
}

func normalizeTicker(m models.Market, ev futures.WsMarketTickerEvent) *models.Ticker {
	ts := models.NormalizeTimestamp(ev.Time)
	return &models.Ticker{
		Exchange:  exchangeName,
		Symbol:    m.String(),
		Timestamp: ts,
		Result: models.TickerItem{
			Open:        wire.MustFloat(ev.OpenPrice),
			High:        wire.MustFloat(ev.HighPrice),
			Low:         wire.MustFloat(ev.LowPrice),
			Close:       wire.MustFloat(ev.ClosePrice),
			Volume:      wire.MustFloat(ev.BaseVolume),
			QuoteVolume: wire.MustFloat(ev.QuoteVolume),
			Change:      wire.MustFloat(ev.PriceChange),
			Percentage:  wire.MustFloat(ev.PriceChangePercent),
			Vwap:        wire.MustFloat(ev.WeightedAvgPrice),
			Timestamp:   ts,
		},
	}
}
