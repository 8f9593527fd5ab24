package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"cryptofeed/config"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/restclient"
	"cryptofeed/internal/symbols"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

// DefaultRestURL is the public REST host.
const DefaultRestURL = defaultRestURL

// REST polls the OKX v5 market endpoints.
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
	if resp.Code != "0" {
		return fmt.Errorf("okx %s: code %s: %s", path, resp.Code, resp.Msg)
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("okx %s data: %w", path, err)
	}
	return nil
}

// OrderBook fetches a depth snapshot of up to limit levels per side.
func (r *REST) OrderBook(ctx context.Context, m models.Market, limit int) (*models.OrderBook, error) {
	params := url.Values{"instId": {r.conv.ToExchange(m)}}
	if limit > 0 {
		params.Set("sz", strconv.Itoa(limit))
	}
	var data []bookData
	if err := r.get(ctx, "/api/v5/market/books", params, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx books %s: empty response", m)
	}
	asks, err := wire.Levels(data[0].Asks)
	if err != nil {
		return nil, err
	}
	bids, err := wire.Levels(data[0].Bids)
	if err != nil {
		return nil, err
	}
	return wire.Book(exchangeName, m, int64(data[0].Ts), models.ActionSnapshot, data[0].SeqID, asks, bids), nil
}

// Trades fetches the most recent public trades.
func (r *REST) Trades(ctx context.Context, m models.Market, limit int) (*models.Trade, error) {
	params := url.Values{"instId": {r.conv.ToExchange(m)}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var data []tradeData
	if err := r.get(ctx, "/api/v5/market/trades", params, &data); err != nil {
		return nil, err
	}
	return normalizeTrades(m, data)
}

// Tickers fetches every spot ticker in one request and keeps the requested
// markets.
func (r *REST) Tickers(ctx context.Context, ms []models.Market) (map[string]interface{}, error) {
	var data []struct {
		InstID string `json:"instId"`
		tickerData
	}
	if err := r.get(ctx, "/api/v5/market/tickers", url.Values{"instType": {"SPOT"}}, &data); err != nil {
		return nil, err
	}
	want := make(map[string]models.Market, len(ms))
	for _, m := range ms {
		want[r.conv.ToExchange(m)] = m
	}
	out := make(map[string]interface{}, len(ms))
	for _, d := range data {
		if m, ok := want[d.InstID]; ok {
			out[m.String()] = normalizeTicker(m, d.tickerData)
		}
	}
	return out, nil
}

// Candles fetches recent bars for interval ("1m", "1h", ...).
func (r *REST) Candles(ctx context.Context, m models.Market, interval string, limit int) (*models.Candle, error) {
	if interval == "" {
		interval = "1m"
	}
	params := url.Values{"instId": {r.conv.ToExchange(m)}, "bar": {barInterval(interval)}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows [][]string
	if err := r.get(ctx, "/api/v5/market/candles", params, &rows); err != nil {
		return nil, err
	}
	return normalizeCandles(m, interval, rows)
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
			err = fmt.Errorf("okx %s: %w", pc.Stream, poller.ErrUnsupportedStream)
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}
	return tasks, nil
}
