package gateio

import (
	"context"
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

const (
	DefaultRestURL = defaultRestURL
	apiPrefix      = "/api/v4"
)

// REST polls the v4 spot endpoints. Tickers are fetched for every pair in
// one request and fanned out.
type REST struct {
	client *restclient.Client
	conv   symbols.Converter
}

func NewREST(client *restclient.Client) *REST {
	conv, _ := symbols.For(exchangeName)
	return &REST{client: client, conv: conv}
}

// OrderBook fetches a depth snapshot with its update id.
func (r *REST) OrderBook(ctx context.Context, m models.Market, limit int) (*models.OrderBook, error) {
	params := url.Values{"currency_pair": {r.conv.ToExchange(m)}, "with_id": {"true"}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var d struct {
		ID      int64      `json:"id"`
		Current int64      `json:"current"`
		Update  int64      `json:"update"`
		Asks    [][]string `json:"asks"`
		Bids    [][]string `json:"bids"`
	}
	if err := r.client.GetJSON(ctx, apiPrefix+"/spot/order_book", params, &d); err != nil {
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
	return wire.Book(exchangeName, m, d.Current, models.ActionSnapshot, d.ID, asks, bids), nil
}

// Trades fetches recent trades.
func (r *REST) Trades(ctx context.Context, m models.Market, limit int) (*models.Trade, error) {
	params := url.Values{"currency_pair": {r.conv.ToExchange(m)}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows []struct {
		ID           string      `json:"id"`
		CreateTimeMs wire.Number `json:"create_time_ms"`
		Side         string      `json:"side"`
		Amount       string      `json:"amount"`
		Price        string      `json:"price"`
	}
	if err := r.client.GetJSON(ctx, apiPrefix+"/spot/trades", params, &rows); err != nil {
		return nil, err
	}
	data := make([]tradeData, 0, len(rows))
	for _, row := range rows {
		id, _ := strconv.ParseInt(row.ID, 10, 64)
		data = append(data, tradeData{ID: id, CreateTimeMs: row.CreateTimeMs, Side: row.Side, Amount: row.Amount, Price: row.Price})
	}
	return normalizeTrades(m, data)
}

// Tickers fetches all spot tickers at once.
func (r *REST) Tickers(ctx context.Context, ms []models.Market) (map[string]interface{}, error) {
	var rows []tickerData
	if err := r.client.GetJSON(ctx, apiPrefix+"/spot/tickers", nil, &rows); err != nil {
		return nil, err
	}
	want := make(map[string]models.Market, len(ms))
	for _, m := range ms {
		want[r.conv.ToExchange(m)] = m
	}
	now := models.NowMillis()
	out := make(map[string]interface{}, len(ms))
	for _, d := range rows {
		if m, ok := want[d.CurrencyPair]; ok {
			out[m.String()] = normalizeTicker(m, d, now)
		}
	}
	return out, nil
}

// Candles fetches candlesticks, rows are [t, quote volume, close, high,
// low, open, base amount, closed].
func (r *REST) Candles(ctx context.Context, m models.Market, interval string, limit int) (*models.Candle, error) {
	if interval == "" {
		interval = "1m"
	}
	params := url.Values{"currency_pair": {r.conv.ToExchange(m)}, "interval": {interval}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows [][]string
	if err := r.client.GetJSON(ctx, apiPrefix+"/spot/candlesticks", params, &rows); err != nil {
		return nil, err
	}
	data := make([]candleData, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("gateio candlestick %v: too short", row)
		}
		d := candleData{Time: row[0], QuoteVolume: row[1], Close: row[2], High: row[3], Low: row[4], Open: row[5], Amount: row[6]}
		if len(row) > 7 {
			d.Closed = row[7] == "true"
		}
		data = append(data, d)
	}
	return normalizeCandles(m, interval, data)
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
			err = fmt.Errorf("gateio %s: %w", pc.Stream, poller.ErrUnsupportedStream)
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}
	return tasks, nil
}
