package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"cryptofeed/config"
	ratemetrics "cryptofeed/internal/metrics/rate"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/restclient"
	"cryptofeed/internal/symbols"
	"cryptofeed/logger"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

// DefaultRestURL is the USD-M futures REST host.
const DefaultRestURL = defaultRestURL

// depthWeight is the request weight of a depth call with limit <= 100.
const depthWeight = 5

// REST polls the futures market endpoints. Depth and klines go through the
// go-binance client sharing the restclient transport and limiter.
type REST struct {
	client  *restclient.Client
	futures *futures.Client
	conv    symbols.Converter
	log     *logger.Log
}

func NewREST(client *restclient.Client) *REST {
	fc := futures.NewClient("", "")
	fc.BaseURL = client.BaseURL()
	fc.HTTPClient = client.HTTPClient()
	conv, _ := symbols.For(exchangeName)
	return &REST{client: client, futures: fc, conv: conv, log: logger.GetLogger()}
}

// TuneRateLimit sizes the limiter from the published request weight budget.
func (r *REST) TuneRateLimit(ctx context.Context) (float64, error) {
	if err := r.client.Wait(ctx); err != nil {
		return 0, err
	}
	limit, err := ratemetrics.FetchRequestWeightLimit(ctx, r.futures)
	if err != nil {
		return 0, fmt.Errorf("binance exchange info: %w", err)
	}
	rps := ratemetrics.RequestsPerSecond(limit, depthWeight)
	if rps > 0 {
		r.client.SetRateLimit(rps, 1)
		r.log.WithComponent("binance_rest").WithFields(logger.Fields{
			"weight_limit":        limit,
			"requests_per_second": rps,
		}).Info("rate limit tuned from exchange info")
	}
	return rps, nil
}

// OrderBook fetches a depth snapshot.
func (r *REST) OrderBook(ctx context.Context, m models.Market, limit int) (*models.OrderBook, error) {
	if err := r.client.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = bookDepth
	}
	start := time.Now()
	res, err := r.futures.NewDepthService().
		Symbol(r.conv.ToExchange(m)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	logger.LogPerformanceEntry(r.log.WithComponent("binance_rest"), "binance_rest", "depth", time.Since(start), logger.Fields{
		"symbol": m.String(),
	})

	asks := make([][]string, len(res.Asks))
	for i, a := range res.Asks {
		asks[i] = []string{a.Price, a.Quantity}
	}
	bids := make([][]string, len(res.Bids))
	for i, b := range res.Bids {
		bids[i] = []string{b.Price, b.Quantity}
	}
	askLevels, err := wire.Levels(asks)
	if err != nil {
		return nil, err
	}
	bidLevels, err := wire.Levels(bids)
	if err != nil {
		return nil, err
	}
	ts := res.TradeTime
	if ts == 0 {
		ts = models.NowMillis()
	}
	return wire.Book(exchangeName, m, ts, models.ActionSnapshot, res.LastUpdateID, askLevels, bidLevels), nil
}

// Candles fetches recent klines.
func (r *REST) Candles(ctx context.Context, m models.Market, interval string, limit int) (*models.Candle, error) {
	if err := r.client.Wait(ctx); err != nil {
		return nil, err
	}
	if interval == "" {
		interval = "1m"
	}
	svc := r.futures.NewKlinesService().Symbol(r.conv.ToExchange(m)).Interval(interval)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	now := models.NowMillis()
	cd := &models.Candle{Exchange: exchangeName, Symbol: m.String(), Interval: interval}
	for _, k := range klines {
		open, err := wire.Float(k.Open)
		if err != nil {
			return nil, err
		}
		cd.Result = append(cd.Result, models.CandleItem{
			OpenTime:    k.OpenTime,
			CloseTime:   k.CloseTime,
			Open:        open,
			High:        wire.MustFloat(k.High),
			Low:         wire.MustFloat(k.Low),
			Close:       wire.MustFloat(k.Close),
			Volume:      wire.MustFloat(k.Volume),
			QuoteVolume: wire.MustFloat(k.QuoteAssetVolume),
			IsClosed:    k.CloseTime < now,
		})
		if k.OpenTime > cd.Timestamp {
			cd.Timestamp = k.OpenTime
		}
	}
	return cd, nil
}

func (r *REST) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	body, header, err := r.client.Get(ctx, path, params)
	ratemetrics.ReportUsedWeight(r.log, header, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("binance %s: %w", path, err)
	}
	return nil
}

// Trades fetches recent aggregated trades.
func (r *REST) Trades(ctx context.Context, m models.Market, limit int) (*models.Trade, error) {
	params := url.Values{"symbol": {r.conv.ToExchange(m)}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows []futures.WsAggTradeEvent
	if err := r.getJSON(ctx, "/fapi/v1/aggTrades", params, &rows); err != nil {
		return nil, err
	}
	tr := &models.Trade{Exchange: exchangeName, Symbol: m.String()}
	for _, row := range rows {
		one, err := normalizeTrade(m, row)
		if err != nil {
			return nil, err
		}
		tr.Result = append(tr.Result, one.Result...)
		if one.Timestamp > tr.Timestamp {
			tr.Timestamp = one.Timestamp
		}
	}
	return tr, nil
}

type restTicker struct {
	Symbol      string `json:"symbol"`
	Change      string `json:"priceChange"`
	Percent     string `json:"priceChangePercent"`
	Vwap        string `json:"weightedAvgPrice"`
	Last        string `json:"lastPrice"`
	Open        string `json:"openPrice"`
	High        string `json:"highPrice"`
	Low         string `json:"lowPrice"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
	CloseTime   int64  `json:"closeTime"`
}

// Tickers fetches all 24h tickers in one call and keeps the requested ones.
func (r *REST) Tickers(ctx context.Context, ms []models.Market) (map[string]interface{}, error) {
	var rows []restTicker
	if err := r.getJSON(ctx, "/fapi/v1/ticker/24hr", nil, &rows); err != nil {
		return nil, err
	}
	want := make(map[string]models.Market, len(ms))
	for _, m := range ms {
		want[r.conv.ToExchange(m)] = m
	}
	out := make(map[string]interface{}, len(ms))
	for _, row := range rows {
		m, ok := want[row.Symbol]
		if !ok {
			continue
		}
		out[m.String()] = normalizeTicker(m, futures.WsMarketTickerEvent{
			Time:               row.CloseTime,
			Symbol:             row.Symbol,
			PriceChange:        row.Change,
			PriceChangePercent: row.Percent,
			WeightedAvgPrice:   row.Vwap,
			ClosePrice:         row.Last,
			OpenPrice:          row.Open,
			HighPrice:          row.High,
			LowPrice:           row.Low,
			BaseVolume:         row.Volume,
			QuoteVolume:        row.QuoteVolume,
		})
	}
	return out, nil
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
			err = fmt.Errorf("binance %s: %w", pc.Stream, poller.ErrUnsupportedStream)
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}
	return tasks, nil
}
