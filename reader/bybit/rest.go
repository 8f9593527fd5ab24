package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"cryptofeed/config"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/restclient"
	"cryptofeed/internal/symbols"
	"cryptofeed/logger"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

const DefaultRestURL = defaultRestURL

// REST polls the v5 market endpoints. Orderbook snapshots go through the
// official SDK on the shared transport.
type REST struct {
	client *restclient.Client
	sdk    *bybit.Client
	conv   symbols.Converter
	log    *logger.Log
}

func NewREST(client *restclient.Client) *REST {
	sdk := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(client.BaseURL()))
	sdk.HTTPClient = client.HTTPClient()
	conv, _ := symbols.For(exchangeName)
	return &REST{client: client, sdk: sdk, conv: conv, log: logger.GetLogger()}
}

type response struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func (r *REST) get(ctx context.Context, path string, params url.Values, out interface{}) (int64, error) {
	var resp response
	if err := r.client.GetJSON(ctx, path, params, &resp); err != nil {
		return 0, err
	}
	if resp.RetCode != 0 {
		return 0, fmt.Errorf("bybit %s: retCode %d: %s", path, resp.RetCode, resp.RetMsg)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return 0, fmt.Errorf("bybit %s result: %w", path, err)
	}
	return resp.Time, nil
}

type restBook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Ts     int64      `json:"ts"`
	Update int64      `json:"u"`
}

// OrderBook fetches a depth snapshot through the SDK.
func (r *REST) OrderBook(ctx context.Context, m models.Market, limit int) (*models.OrderBook, error) {
	if err := r.client.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = bookDepth
	}
	params := map[string]interface{}{
		"category": category,
		"symbol":   r.conv.ToExchange(m),
		"limit":    limit,
	}
	start := time.Now()
	resp, err := r.sdk.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, err
	}
	logger.LogPerformanceEntry(r.log.WithComponent("bybit_rest"), "bybit_rest", "orderbook", time.Since(start), logger.Fields{"symbol": m.String()})

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	var env response
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bybit orderbook: %w", err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("bybit orderbook: retCode %d: %s", env.RetCode, env.RetMsg)
	}
	var book restBook
	if err := json.Unmarshal(env.Result, &book); err != nil {
		return nil, fmt.Errorf("bybit orderbook result: %w", err)
	}
	asks, err := wire.Levels(book.Asks)
	if err != nil {
		return nil, err
	}
	bids, err := wire.Levels(book.Bids)
	if err != nil {
		return nil, err
	}
	return wire.Book(exchangeName, m, book.Ts, models.ActionSnapshot, book.Update, asks, bids), nil
}

// Trades fetches recent public trades.
func (r *REST) Trades(ctx context.Context, m models.Market, limit int) (*models.Trade, error) {
	params := url.Values{"category": {category}, "symbol": {r.conv.ToExchange(m)}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var result struct {
		List []struct {
			ExecID string `json:"execId"`
			Price  string `json:"price"`
			Size   string `json:"size"`
			Side   string `json:"side"`
			Time   string `json:"time"`
		} `json:"list"`
	}
	if _, err := r.get(ctx, "/v5/market/recent-trade", params, &result); err != nil {
		return nil, err
	}
	data := make([]tradeData, 0, len(result.List))
	for _, it := range result.List {
		ts, _ := strconv.ParseInt(it.Time, 10, 64)
		data = append(data, tradeData{Time: ts, Side: it.Side, Size: it.Size, Price: it.Price, ID: it.ExecID})
	}
	return normalizeTrades(m, data)
}

// Tickers fetches every linear ticker and keeps the requested markets.
func (r *REST) Tickers(ctx context.Context, ms []models.Market) (map[string]interface{}, error) {
	var result struct {
		List []tickerData `json:"list"`
	}
	ts, err := r.get(ctx, "/v5/market/tickers", url.Values{"category": {category}}, &result)
	if err != nil {
		return nil, err
	}
	want := make(map[string]models.Market, len(ms))
	for _, m := range ms {
		want[r.conv.ToExchange(m)] = m
	}
	out := make(map[string]interface{}, len(ms))
	for _, d := range result.List {
		if m, ok := want[d.Symbol]; ok {
			out[m.String()] = normalizeTicker(m, d, ts)
		}
	}
	return out, nil
}

// Candles fetches recent klines. Rows arrive newest first and are returned
// oldest first.
func (r *REST) Candles(ctx context.Context, m models.Market, interval string, limit int) (*models.Candle, error) {
	if interval == "" {
		interval = "1m"
	}
	params := url.Values{"category": {category}, "symbol": {r.conv.ToExchange(m)}, "interval": {klineInterval(interval)}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var result struct {
		List [][]string `json:"list"`
	}
	if _, err := r.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, err
	}
	step := intervalMillis(interval)
	now := models.NowMillis()
	data := make([]klineData, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 7 {
			return nil, fmt.Errorf("bybit kline row %v: too short", row)
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bybit kline start %q: %w", row[0], err)
		}
		end := start + step - 1
		data = append(data, klineData{
			Start: start, End: end,
			Open: row[1], High: row[2], Low: row[3], Close: row[4],
			Volume: row[5], Turnover: row[6],
			Confirm: end < now,
		})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].Start < data[j].Start })
	return normalizeKlines(m, interval, data)
}

func intervalMillis(interval string) int64 {
	switch k := klineInterval(interval); k {
	case "D":
		return (24 * time.Hour).Milliseconds()
	case "W":
		return (7 * 24 * time.Hour).Milliseconds()
	case "M":
		return (30 * 24 * time.Hour).Milliseconds()
	default:
		minutes, err := strconv.Atoi(k)
		if err != nil {
			return time.Minute.Milliseconds()
		}
		return (time.Duration(minutes) * time.Minute).Milliseconds()
	}
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
			err = fmt.Errorf("bybit %s: %w", pc.Stream, poller.ErrUnsupportedStream)
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}
	return tasks, nil
}
