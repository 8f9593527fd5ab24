package upbit

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/restclient"
	"cryptofeed/internal/symbols"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
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

// OrderBook fetches the top of book. Upbit returns at most 15 units.
func (r *REST) OrderBook(ctx context.Context, m models.Market, limit int) (*models.OrderBook, error) {
	var rows []orderbookData
	if err := r.client.GetJSON(ctx, "/v1/orderbook", url.Values{"markets": {r.conv.ToExchange(m)}}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("upbit orderbook %s: empty response", m)
	}
	d := rows[0]
	if limit > 0 && len(d.Units) > limit {
		d.Units = d.Units[:limit]
	}
	return normalizeOrderbook(m, d), nil
}

func (r *REST) Trades(ctx context.Context, m models.Market, limit int) (*models.Trade, error) {
	params := url.Values{"market": {r.conv.ToExchange(m)}}
	if limit > 0 {
		params.Set("count", strconv.Itoa(limit))
	}
	var rows []tradeData
	if err := r.client.GetJSON(ctx, "/v1/trades/ticks", params, &rows); err != nil {
		return nil, err
	}
	return normalizeTrades(m, rows), nil
}

// Tickers fetches every requested market in one call.
func (r *REST) Tickers(ctx context.Context, ms []models.Market) (map[string]interface{}, error) {
	codes := make([]string, 0, len(ms))
	byCode := make(map[string]models.Market, len(ms))
	for _, m := range ms {
		code := r.conv.ToExchange(m)
		codes = append(codes, code)
		byCode[code] = m
	}
	var rows []tickerData
	if err := r.client.GetJSON(ctx, "/v1/ticker", url.Values{"markets": {strings.Join(codes, ",")}}, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(rows))
	for _, row := range rows {
		if m, ok := byCode[row.Market]; ok {
			out[m.String()] = normalizeTicker(m, row)
		}
	}
	return out, nil
}

type candleRow struct {
	Market       string      `json:"market"`
	CandleTime   string      `json:"candle_date_time_utc"`
	OpeningPrice wire.Number `json:"opening_price"`
	HighPrice    wire.Number `json:"high_price"`
	LowPrice     wire.Number `json:"low_price"`
	TradePrice   wire.Number `json:"trade_price"`
	AccPrice     wire.Number `json:"candle_acc_trade_price"`
	AccVolume    wire.Number `json:"candle_acc_trade_volume"`
}

// candlePath maps an interval onto the minutes, days or weeks endpoint.
func candlePath(interval string) (string, time.Duration, error) {
	switch interval {
	case "", "1m":
		return "/v1/candles/minutes/1", time.Minute, nil
	case "3m", "5m", "10m", "15m", "30m":
		n, _ := strconv.Atoi(strings.TrimSuffix(interval, "m"))
		return "/v1/candles/minutes/" + strconv.Itoa(n), time.Duration(n) * time.Minute, nil
	case "1h":
		return "/v1/candles/minutes/60", time.Hour, nil
	case "4h":
		return "/v1/candles/minutes/240", 4 * time.Hour, nil
	case "1d":
		return "/v1/candles/days", 24 * time.Hour, nil
	case "1w":
		return "/v1/candles/weeks", 7 * 24 * time.Hour, nil
	}
	return "", 0, fmt.Errorf("upbit candles: unsupported interval %q", interval)
}

// Candles fetches the last limit bars, oldest first.
func (r *REST) Candles(ctx context.Context, m models.Market, interval string, limit int) (*models.Candle, error) {
	path, step, err := candlePath(interval)
	if err != nil {
		return nil, err
	}
	if interval == "" {
		interval = "1m"
	}
	params := url.Values{"market": {r.conv.ToExchange(m)}}
	if limit > 0 {
		params.Set("count", strconv.Itoa(limit))
	}
	var rows []candleRow
	if err := r.client.GetJSON(ctx, path, params, &rows); err != nil {
		return nil, err
	}
	now := models.NowMillis()
	cd := &models.Candle{Exchange: exchangeName, Symbol: m.String(), Interval: interval}
	for _, row := range rows {
		at, err := time.Parse("2006-01-02T15:04:05", row.CandleTime)
		if err != nil {
			return nil, fmt.Errorf("upbit candle time %q: %w", row.CandleTime, err)
		}
		openTime := at.UnixMilli()
		closeTime := openTime + step.Milliseconds() - 1
		cd.Result = append(cd.Result, models.CandleItem{
			OpenTime:    openTime,
			CloseTime:   closeTime,
			Open:        row.OpeningPrice.Float(),
			High:        row.HighPrice.Float(),
			Low:         row.LowPrice.Float(),
			Close:       row.TradePrice.Float(),
			Volume:      row.AccVolume.Float(),
			QuoteVolume: row.AccPrice.Float(),
			IsClosed:    closeTime < now,
		})
		if openTime > cd.Timestamp {
			cd.Timestamp = openTime
		}
	}
	sort.Slice(cd.Result, func(i, j int) bool { return cd.Result[i].OpenTime < cd.Result[j].OpenTime })
	return cd, nil
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
			if _, _, err := candlePath(pc.Extra); err != nil {
				return nil, err
			}
			ts, err = poller.PerSymbol(exchangeName, action, pc, func(ctx context.Context, m models.Market, pc config.PollConfig) (interface{}, error) {
				return r.Candles(ctx, m, pc.Extra, pc.Limit)
			})
		default:
			err = fmt.Errorf("upbit %s: %w", pc.Stream, poller.ErrUnsupportedStream)
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}
	return tasks, nil
}
