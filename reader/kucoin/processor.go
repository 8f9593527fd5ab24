// Package kucoin normalizes the KuCoin spot public feed. The websocket
// endpoint and ping interval come from a bullet token fetched over REST on
// every connect.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cryptofeed/config"
	"cryptofeed/internal/restclient"
	"cryptofeed/internal/symbols"
	"cryptofeed/internal/ws"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

const (
	exchangeName   = "kucoin"
	defaultRestURL = "https://api.kucoin.com"
	defaultPing    = 18 * time.Second
	okCode         = "200000"
)

type Processor struct {
	rest     *restclient.Client
	conv     symbols.Converter
	fixedURL string
}

// NewProcessor builds the processor. cfg.WebSocketURL, when set, skips the
// token request and is dialed as is.
func NewProcessor(cfg config.ExchangeConfig) *Processor {
	base := cfg.RestURL
	if base == "" {
		base = defaultRestURL
	}
	conv, _ := symbols.For(exchangeName)
	p := &Processor{rest: restclient.New(exchangeName, base), conv: conv}
	if cfg.WebSocketURL != "" {
		p.rest = nil
		p.fixedURL = cfg.WebSocketURL
	}
	return p
}

func (p *Processor) Name() string { return exchangeName }

type bulletResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			Protocol     string `json:"protocol"`
			PingInterval int64  `json:"pingInterval"`
			PingTimeout  int64  `json:"pingTimeout"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// Endpoint requests a public bullet token and builds the connect URL.
func (p *Processor) Endpoint(ctx context.Context) (ws.Endpoint, error) {
	if p.rest == nil {
		return ws.Endpoint{URL: p.fixedURL, PingInterval: defaultPing}, nil
	}
	var resp bulletResponse
	if err := p.rest.PostJSON(ctx, "/api/v1/bullet-public", nil, &resp); err != nil {
		return ws.Endpoint{}, fmt.Errorf("kucoin bullet token: %w", err)
	}
	if resp.Code != okCode {
		return ws.Endpoint{}, fmt.Errorf("kucoin bullet token: code %s: %s", resp.Code, resp.Msg)
	}
	if resp.Data.Token == "" || len(resp.Data.InstanceServers) == 0 {
		return ws.Endpoint{}, fmt.Errorf("kucoin bullet token: no instance servers")
	}
	server := resp.Data.InstanceServers[0]
	u, err := url.Parse(server.Endpoint)
	if err != nil {
		return ws.Endpoint{}, fmt.Errorf("kucoin endpoint %q: %w", server.Endpoint, err)
	}
	q := u.Query()
	q.Set("token", resp.Data.Token)
	q.Set("connectId", uuid.NewString())
	u.RawQuery = q.Encode()

	interval := time.Duration(server.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultPing
	}
	return ws.Endpoint{URL: u.String(), PingInterval: interval}, nil
}

func (p *Processor) PingFrame() []byte {
	return []byte(fmt.Sprintf(`{"id":"%d","type":"ping"}`, time.Now().UnixMilli()))
}

// PingInterval is the fallback; the token response normally overrides it.
func (p *Processor) PingInterval() time.Duration { return defaultPing }

type request struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
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
	return json.Marshal(request{ID: uuid.NewString(), Type: op, Topic: topic, Response: true})
}

func topicFor(channel, symbol, extra string) (string, error) {
	switch channel {
	case models.ChannelOrderbook:
		return "/spotMarket/level2Depth50:" + symbol, nil
	case models.ChannelTrades:
		return "/market/match:" + symbol, nil
	case models.ChannelTicker:
		return "/market/snapshot:" + symbol, nil
	case models.ChannelCandles:
		return "/market/candles:" + symbol + "_" + candleType(extra), nil
	}
	return "", fmt.Errorf("kucoin %s: %w", channel, ws.ErrUnsupportedChannel)
}

var candleTypes = map[byte]string{'m': "min", 'h': "hour", 'd': "day", 'w': "week"}

// candleType converts "1m", "4h", "1d" to KuCoin's "1min", "4hour", "1day".
func candleType(interval string) string {
	if interval == "" {
		return "1min"
	}
	n := len(interval)
	if unit, ok := candleTypes[interval[n-1]]; ok {
		return interval[:n-1] + unit
	}
	return interval
}

func normalInterval(t string) string {
	for short, long := range candleTypes {
		if strings.HasSuffix(t, long) {
			return strings.TrimSuffix(t, long) + string(short)
		}
	}
	return t
}

// parseTopic splits "/market/candles:BTC-USDT_1min" into channel, interval
// and wire symbol.
func parseTopic(topic string) (channel, extra, symbol string) {
	prefix, symbol, ok := strings.Cut(topic, ":")
	if !ok {
		return "", "", ""
	}
	switch prefix {
	case "/spotMarket/level2Depth50", "/spotMarket/level2Depth5":
		return models.ChannelOrderbook, "", symbol
	case "/market/match":
		return models.ChannelTrades, "", symbol
	case "/market/snapshot":
		return models.ChannelTicker, "", symbol
	case "/market/candles":
		sym, typ, ok := strings.Cut(symbol, "_")
		if !ok {
			return "", "", ""
		}
		return models.ChannelCandles, normalInterval(typ), sym
	}
	return "", "", ""
}

type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Code    wire.Int64      `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type depthData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Timestamp int64      `json:"timestamp"`
}

type matchData struct {
	Sequence string     `json:"sequence"`
	Side     string     `json:"side"`
	Size     string     `json:"size"`
	Price    string     `json:"price"`
	Time     wire.Int64 `json:"time"`
	TradeID  string     `json:"tradeId"`
}

type snapshotStats struct {
	Symbol          string      `json:"symbol"`
	High            wire.Number `json:"high"`
	Low             wire.Number `json:"low"`
	Open            wire.Number `json:"open"`
	LastTradedPrice wire.Number `json:"lastTradedPrice"`
	Vol             wire.Number `json:"vol"`
	VolValue        wire.Number `json:"volValue"`
	Buy             wire.Number `json:"buy"`
	Sell            wire.Number `json:"sell"`
	ChangePrice     wire.Number `json:"changePrice"`
	ChangeRate      wire.Number `json:"changeRate"`
	AveragePrice    wire.Number `json:"averagePrice"`
	Datetime        int64       `json:"datetime"`
}

type candleData struct {
	Symbol  string   `json:"symbol"`
	Candles []string `json:"candles"`
	Time    int64    `json:"time"`
}

func (p *Processor) Process(frame []byte) (*ws.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("kucoin envelope: %w", err)
	}
	switch env.Type {
	case "welcome", "ack":
		return ws.Ack(), nil
	case "pong":
		return ws.Pong(), nil
	case "error":
		return ws.Errorf("kucoin error %d: %s", env.Code, strings.Trim(string(env.Data), `"`)), nil
	case "message":
	default:
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
		var d depthData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("kucoin depth: %w", err)
		}
		asks, err := wire.Levels(d.Asks)
		if err != nil {
			return nil, err
		}
		bids, err := wire.Levels(d.Bids)
		if err != nil {
			return nil, err
		}
		return ws.OrderBooks(wire.Book(exchangeName, m, d.Timestamp, models.ActionSnapshot, 0, asks, bids)), nil

	case models.ChannelTrades:
		var d matchData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("kucoin match: %w", err)
		}
		tr, err := normalizeTrades(m, []matchData{d})
		if err != nil {
			return nil, err
		}
		return ws.Trades(tr), nil

	case models.ChannelTicker:
		var outer struct {
			Data snapshotStats `json:"data"`
		}
		if err := json.Unmarshal(env.Data, &outer); err != nil {
			return nil, fmt.Errorf("kucoin snapshot: %w", err)
		}
		return ws.Tickers(normalizeTicker(m, outer.Data)), nil

	case models.ChannelCandles:
		var d candleData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("kucoin candles: %w", err)
		}
		cd, err := normalizeCandles(m, extra, [][]string{d.Candles}, false)
		if err != nil {
			return nil, err
		}
		return ws.Candles(cd), nil
	}
	return ws.Ignore(), nil
}

func normalizeTrades(m models.Market, data []matchData) (*models.Trade, error) {
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
		id := d.TradeID
		if id == "" {
			id = d.Sequence
		}
		ts := models.NormalizeTimestamp(int64(d.Time))
		tr.Result = append(tr.Result, models.TradeItem{
			TradeID:   id,
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

func normalizeTicker(m models.Market, s snapshotStats) *models.Ticker {
	ts := models.NormalizeTimestamp(s.Datetime)
	item := models.TickerItem{
		Open:        s.Open.Float(),
		High:        s.High.Float(),
		Low:         s.Low.Float(),
		Close:       s.LastTradedPrice.Float(),
		Volume:      s.Vol.Float(),
		QuoteVolume: s.VolValue.Float(),
		BidPrice:    s.Buy.Float(),
		AskPrice:    s.Sell.Float(),
		Change:      s.ChangePrice.Float(),
		Percentage:  s.ChangeRate.Float() * 100,
		Timestamp:   ts,
	}
	if item.Volume != 0 {
		item.Vwap = item.QuoteVolume / item.Volume
	}
	return &models.Ticker{Exchange: exchangeName, Symbol: m.String(), Timestamp: ts, Result: item}
}

// normalizeCandles converts [start(s), open, close, high, low, volume,
// turnover] rows. REST rows are all closed except possibly the newest.
func normalizeCandles(m models.Market, interval string, rows [][]string, closed bool) (*models.Candle, error) {
	step := intervalMillis(interval)
	cd := &models.Candle{Exchange: exchangeName, Symbol: m.String(), Interval: interval}
	now := models.NowMillis()
	for _, r := range rows {
		if len(r) < 7 {
			return nil, fmt.Errorf("kucoin candle %v: too short", r)
		}
		start, err := strconv.ParseInt(r[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("kucoin candle start %q: %w", r[0], err)
		}
		open, err := wire.Float(r[1])
		if err != nil {
			return nil, err
		}
		openTime := models.NormalizeTimestamp(start)
		closeTime := openTime + step - 1
		cd.Result = append(cd.Result, models.CandleItem{
			OpenTime:    openTime,
			CloseTime:   closeTime,
			Open:        open,
			Close:       wire.MustFloat(r[2]),
			High:        wire.MustFloat(r[3]),
			Low:         wire.MustFloat(r[4]),
			Volume:      wire.MustFloat(r[5]),
			QuoteVolume: wire.MustFloat(r[6]),
			IsClosed:    closed && closeTime < now,
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
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	}
	return (time.Duration(count) * unit).Milliseconds()
}
