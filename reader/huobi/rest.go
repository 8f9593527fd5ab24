package huobi

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
)

const DefaultRestURL = defaultRestURL

type REST struct {
	client *restclient.Client
	conv   symbols.Converter
}

func NewREST(client *restclient.Client) *REST {
	conv, _ := symbols.For(exchangeName)
	return &REST{client: client, conv: conv}
}

// APIError is a "status":"error" reply. Huobi answers throttled requests
// with HTTP 200 and an error body.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("huobi %s: %s", e.Code, e.Message) }

type response struct {
	Status  string          `json:"status"`
	ErrCode string          `json:"err-code"`
	ErrMsg  string          `json:"err-msg"`
	Ts      int64           `json:"ts"`
	Tick    json.RawMessage `json:"tick"`
	Data    json.RawMessage `json:"data"`
}

func (r *REST) get(ctx context.Context, path string, params url.Values) (response, error) {
	var resp response
	if err := r.client.GetJSON(ctx, path, params, &resp); err != nil {
		return resp, err
	}
	if resp.Status != "ok" {
		return resp, &APIError{Code: resp.ErrCode, Message: resp.ErrMsg}
	}
	return resp, nil
}

// depthSizes are the depth values the REST endpoint accepts.
var depthSizes = []int{5, 10, 20}

func (r *REST) OrderBook(ctx context.Context, m models.Market, limit int) (*models.OrderBook, error) {
	params := url.Values{"symbol": {r.conv.ToExchange(m)}, "type": {"step0"}}
	for _, d := range depthSizes {
		if limit > 0 && limit <= d {
			params.Set("depth", strconv.Itoa(d))
			break
		}
	}
	resp, err := r.get(ctx, "/market/depth", params)
	if err != nil {
		return nil, err
	}
	var t depthTick
	if err := json.Unmarshal(resp.Tick, &t); err != nil {
		return nil, fmt.Errorf("huobi depth: %w", err)
	}
	return normalizeDepth(m, t, resp.Ts)
}

func (r *REST) Trades(ctx context.Context, m models.Market, limit int) (*models.Trade, error) {
	params := url.Values{"symbol": {r.conv.ToExchange(m)}}
	if limit > 0 {
		params.Set("size", strconv.Itoa(limit))
	}
	resp, err := r.get(ctx, "/market/history/trade", params)
	if err != nil {
		return nil, err
	}
	var batches []tradeTick
	if err := json.Unmarshal(resp.Data, &batches); err != nil {
		return nil, fmt.Errorf("huobi trades: %w", err)
	}
	var items []tradeItem
	for _, b := range batches {
		items = append(items, b.Data...)
	}
	return normalizeTrades(m, items), nil
}

// Tickers fetches every spot ticker in one call and keeps the requested
// markets.
func (r *REST) Tickers(ctx context.Context, ms []models.Market) (map[string]interface{}, error) {
	resp, err := r.get(ctx, "/market/tickers", nil)
	if err != nil {
		return nil, err
	}
	var rows []tickerTick
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		return nil, fmt.Errorf("huobi tickers: %w", err)
	}
	want := make(map[string]models.Market, len(ms))
	for _, m := range ms {
		want[r.conv.ToExchange(m)] = m
	}
	out := make(map[string]interface{}, len(ms))
	for _, row := range rows {
		if m, ok := want[row.Symbol]; ok {
			out[m.String()] = normalizeTicker(m, row, resp.Ts)
		}
	}
	return out, nil
}

// Candles fetches the last limit bars, oldest first.
func (r *REST) Candles(ctx context.Context, m models.Market, interval string, limit int) (*models.Candle, error) {
	if interval == "" {
		interval = "1m"
	}
	params := url.Values{"symbol": {r.conv.ToExchange(m)}, "period": {period(interval)}}
	if limit > 0 {
		params.Set("size", strconv.Itoa(limit))
	}
	resp, err := r.get(ctx, "/market/history/kline", params)
	if err != nil {
		return nil, err
	}
	var rows []klineTick
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		return nil, fmt.Errorf("huobi klines: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return normalizeKlines(m, interval, rows, true), nil
}

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
			err = fmt.Errorf("huobi %s: %w", pc.Stream, poller.ErrUnsupportedStream)
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}
	return tasks, nil
}
