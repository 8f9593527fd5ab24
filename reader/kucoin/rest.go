package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"cryptofeed/config"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/restclient"
	"cryptofeed/internal/symbols"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

const DefaultRestURL = defaultRestURL

// REST polls the spot market endpoints.
type REST struct {
	client *restclient.Client
	conv   symbols.Converter
}

func NewREST(client *restclient.Client) *REST {
	conv, _ := symbols.For(exchangeName)
	return &REST{client: client, conv: conv}
}

type response struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (r *REST) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	var resp response
	if err := r.client.GetJSON(ctx, path, params, &resp); err != nil {
		return err
	}
	if resp.Code != okCode {
		return fmt.Errorf("kucoin %s: code %s: %s", path, resp.Code, resp.Msg)
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("kucoin %s data: %w", path, err)
	}
	return nil
}

// OrderBook fetches the 20 or 100 level snapshot.
func (r *REST) OrderBook(ctx context.Context, m models.Market, limit int) (*models.OrderBook, error) {
	path := "/api/v1/market/orderbook/level2_20"
	if limit > 20 {
		path = "/api/v1/market/orderbook/level2_100"
	}
	var d struct {
		Sequence string     `json:"sequence"`
		Time     int64      `json:"time"`
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
	}
	if err := r.get(ctx, path, url.Values{"symbol": {r.conv.ToExchange(m)}}, &d); err != nil {
		return nil, err
	}
	asks, err := wire.Levels(d.Asks)
	if err != nil {
		return nil, err
	}
	bids, err := wire.Levels(d.Bids)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		if len(asks) > limit {
			asks = asks[:limit]
		}
		if len(bids) > limit {
			bids = bids[:limit]
		}
	}
	seq, _ := strconv.ParseInt(d.Sequence, 10, 64)
	return wire.Book(exchangeName, m, d.Time, models.ActionSnapshot, seq, asks, bids), nil
}

// Trades fetches the recent trade history.
func (r *REST) Trades(ctx context.Context, m models.Market, limit int) (*models.Trade, error) {
	var data []matchData
	if err := r.get(ctx, "/api/v1/market/histories", url.Values{"symbol": {r.conv.ToExchange(m)}}, &data); err != nil {
		return nil, err
	}
	if limit > 0 && len(data) > limit {
		data = data[len(data)-limit:]
	}
	return normalizeTrades(m, data)
}

type restTicker struct {
	Symbol      string      `json:"symbol"`
	Buy         wire.Number `json:"buy"`
	Sell        wire.Number `json:"sell"`
	ChangeRate  wire.Number `json:"changeRate"`
	ChangePrice wire.Number `json:"changePrice"`
	High        wire.Number `json:"high"`
	Low         wire.Number `json:"low"`
	Vol         wire.Number `json:"vol"`
	VolValue    wire.Number `json:"volValue"`
	Last        wire.Number `json:"last"`
}

// Tickers fetches allTickers once and keeps the requested markets.
func (r *REST) Tickers(ctx context.Context, ms []models.Market) (map[string]interface{}, error) {
	var d struct {
		Time   int64        `json:"time"`
		Ticker []restTicker `json:"ticker"`
	}
	if err := r.get(ctx, "/api/v1/market/allTickers", nil, &d); err != nil {
		return nil, err
	}
	want := make(map[string]models.Market, len(ms))
	for _, m := range ms {
		want[r.conv.ToExchange(m)] = m
	}
	out := make(map[string]interface{}, len(ms))
	for _, t := range d.Ticker {
		m, ok := want[t.Symbol]
		if !ok {
			continue
		}
		open := t.Last.Float() - t.ChangePrice.Float()
		out[m.String()] = normalizeTicker(m, snapshotStats{
			High:            t.High,
			Low:             t.Low,
			Open:            wire.Number(open),
			LastTradedPrice: t.Last,
			Vol:             t.Vol,
			VolValue:        t.VolValue,
			Buy:             t.Buy,
			Sell:            t.Sell,
			ChangePrice:     t.ChangePrice,
			ChangeRate:      t.ChangeRate,
			Datetime:        d.Time,
		})
	}
	return out, nil
}

// Candles fetches klines, returned oldest first.
func (r *REST) Candles(ctx context.Context, m models.Market, interval string, limit int) (*models.Candle, error) {
	if interval == "" {
		interval = "1m"
	}
	var rows [][]string
	params := url.Values{"symbol": {r.conv.ToExchange(m)}, "type": {candleType(interval)}}
	if err := r.get(ctx, "/api/v1/market/candles", params, &rows); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rowStart(rows[i]) < rowStart(rows[j]) })
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return normalizeCandles(m, interval, rows, true)
}

// Tasks turns polling entries into poller tasks.
func (r *REST) Tasks(polls []config.PollConfig) ([]poller.Task, error) {
	var tasks []poller.Task
	for _, pc := range polls {
		var (
			ts  []poller.Task
			err error
		)
		action := poller.ActionFor(pc.Stream)
		switch pc.Stream {
		case models.ChannelOrderbook:
			ts, err = poller.PerSymbol(exchangeName, action, pc, func(ctx context.Context, m models.Market, pc config.PollConfig) (interface{}, error) {
				return r.OrderBook(ctx, m, pc.Limit)
			})
		case models.ChannelTrades:
			ts, err = poller.PerSymbol(exchangeName, action, pc, func(ctx context.Context, m models.Market, pc config.PollConfig) (interface{}, error) {
				return r.Trades(ctx, m, pc.Limit)
			})
		case models.ChannelTicker:
			ts, err = poller.Batched(exchangeName, action, pc, func(ctx context.Context, ms []models.Market, _ config.PollConfig) (map[string]interface{}, error) {
				return r.Tickers(ctx, ms)
			})
		case models.ChannelCandles:
			ts, err = poller.PerSymbol(exchangeName, action, pc, func(ctx context.Context, m models.Market, pc config.PollConfig) (interface{}, error) {
				return r.Candles(ctx, m, pc.Extra, pc.Limit)
			})
		default:
			err = fmt.Errorf("kucoin %s: %w", pc.Stream, poller.ErrUnsupportedStream)
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}
	return tasks, nil
}

func rowStart(row []string) int64 {
	if len(row) == 0 {
		return 0
	}
	v, _ := strconv.ParseInt(row[0], 10, 64)
	return v
}
