package gopax

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/restclient"
	"cryptofeed/internal/symbols"
	"cryptofeed/models"
	"cryptofeed/reader/internal/wire"
)

const DefaultRestURL = defaultRestURL

// REST polls the public GOPAX endpoints. Stats for every pair come back
// from one call and are fanned out per market.
type REST struct {
	client *restclient.Client
	conv   symbols.Converter
}

func NewREST(client *restclient.Client) *REST {
	conv, _ := symbols.For(exchangeName)
	return &REST{client: client, conv: conv}
}

func (r *REST) pairPath(m models.Market, resource string) string {
	return "/trading-pairs/" + url.PathEscape(r.conv.ToExchange(m)) + "/" + resource
}

// OrderBook fetches the level 2 book. Levels are [entryId, price, volume,
// updatedAt].
func (r *REST) OrderBook(ctx context.Context, m models.Market, limit int) (*models.OrderBook, error) {
	var d struct {
		Sequence int64               `json:"sequence"`
		Bid      [][]json.RawMessage `json:"bid"`
		Ask      [][]json.RawMessage `json:"ask"`
	}
	if err := r.client.GetJSON(ctx, r.pairPath(m, "book"), url.Values{"level": {"2"}}, &d); err != nil {
		return nil, err
	}
	var ts float64
	asks, err := restLevels(d.Ask, limit, &ts)
	if err != nil {
		return nil, err
	}
	bids, err := restLevels(d.Bid, limit, &ts)
	if err != nil {
		return nil, err
	}
	stamp := wire.Millis(ts)
	if stamp == 0 {
		stamp = models.NowMillis()
	}
	return wire.Book(exchangeName, m, stamp, models.ActionSnapshot, d.Sequence, asks, bids), nil
}

func restLevels(rows [][]json.RawMessage, limit int, ts *float64) ([]models.OrderBookItem, error) {
	out := make([]models.OrderBookItem, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("gopax book level: %d fields", len(row))
		}
		var id wire.Int64
		var price, volume wire.Number
		if err := json.Unmarshal(row[0], &id); err != nil {
			return nil, fmt.Errorf("gopax book entry id: %w", err)
		}
		if err := json.Unmarshal(row[1], &price); err != nil {
			return nil, fmt.Errorf("gopax book price: %w", err)
		}
		if err := json.Unmarshal(row[2], &volume); err != nil {
			return nil, fmt.Errorf("gopax book volume: %w", err)
		}
		if len(row) > 3 {
			var at wire.Number
			if json.Unmarshal(row[3], &at) == nil && at.Float() > *ts {
				*ts = at.Float()
			}
		}
		out = append(out, models.OrderBookItem{Price: price.Float(), Quantity: volume.Float(), ID: int64(id)})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Trades fetches recent trades.
func (r *REST) Trades(ctx context.Context, m models.Market, limit int) (*models.Trade, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows []struct {
		ID     wire.Int64  `json:"id"`
		Date   wire.Number `json:"date"`
		Price  wire.Number `json:"price"`
		Amount wire.Number `json:"amount"`
		Side   string      `json:"side"`
	}
	if err := r.client.GetJSON(ctx, r.pairPath(m, "trades"), params, &rows); err != nil {
		return nil, err
	}
	tr := &models.Trade{Exchange: exchangeName, Symbol: m.String()}
	for _, row := range rows {
		one := normalizeTrade(m, tradeData{
			TradeID:    row.ID,
			BaseAmount: row.Amount,
			Price:      row.Price,
			IsBuy:      row.Side == "buy",
			OccurredAt: row.Date,
		})
		tr.Result = append(tr.Result, one.Result...)
		if one.Timestamp > tr.Timestamp {
			tr.Timestamp = one.Timestamp
		}
	}
	return tr, nil
}

// Tickers fetches 24h stats for every pair.
func (r *REST) Tickers(ctx context.Context, ms []models.Market) (map[string]interface{}, error) {
	var rows []struct {
		Name   string      `json:"name"`
		Open   wire.Number `json:"open"`
		High   wire.Number `json:"high"`
		Low    wire.Number `json:"low"`
		Close  wire.Number `json:"close"`
		Volume wire.Number `json:"volume"`
		Time   string      `json:"time"`
	}
	if err := r.client.GetJSON(ctx, "/trading-pairs/stats", nil, &rows); err != nil {
		return nil, err
	}
	want := make(map[string]models.Market, len(ms))
	for _, m := range ms {
		want[r.conv.ToExchange(m)] = m
	}
	out := make(map[string]interface{}, len(ms))
	for _, row := range rows {
		m, ok := want[row.Name]
		if !ok {
			continue
		}
		var ts wire.Number
		if at, err := time.Parse(time.RFC3339Nano, row.Time); err == nil {
			ts = wire.Number(at.UnixMilli())
		}
		out[m.String()] = normalizeTicker(m, tickerData{
			TradingPairName: row.Name,
			Open:            row.Open,
			High:            row.High,
			Low:             row.Low,
			Last:            row.Close,
			BaseVolume:      row.Volume,
			Time:            ts,
		})
	}
	return out, nil
}

// candleMinutes are the intervals the candles endpoint accepts.
var candleMinutes = map[string]int{"1m": 1, "5m": 5, "30m": 30, "1d": 1440}

// Candles fetches the last limit bars. Rows are [time, low, high, open,
// close, volume].
func (r *REST) Candles(ctx context.Context, m models.Market, interval string, limit int) (*models.Candle, error) {
	if interval == "" {
		interval = "1m"
	}
	minutes, ok := candleMinutes[interval]
	if !ok {
		return nil, fmt.Errorf("gopax candles: unsupported interval %q", interval)
	}
	if limit <= 0 {
		limit = 1
	}
	step := time.Duration(minutes) * time.Minute
	end := time.Now()
	start := end.Add(-step * time.Duration(limit))
	params := url.Values{
		"start":    {strconv.FormatInt(start.UnixMilli(), 10)},
		"end":      {strconv.FormatInt(end.UnixMilli(), 10)},
		"interval": {strconv.Itoa(minutes)},
	}
	var rows [][]wire.Number
	if err := r.client.GetJSON(ctx, r.pairPath(m, "candles"), params, &rows); err != nil {
		return nil, err
	}
	now := end.UnixMilli()
	cd := &models.Candle{Exchange: exchangeName, Symbol: m.String(), Interval: interval}
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("gopax candle: %d fields", len(row))
		}
		openTime := wire.Millis(row[0].Float())
		closeTime := openTime + step.Milliseconds() - 1
		cd.Result = append(cd.Result, models.CandleItem{
			OpenTime:  openTime,
			CloseTime: closeTime,
			Low:       row[1].Float(),
			High:      row[2].Float(),
			Open:      row[3].Float(),
			Close:     row[4].Float(),
			Volume:    row[5].Float(),
			IsClosed:  closeTime < now,
		})
		if openTime > cd.Timestamp {
			cd.Timestamp = openTime
		}
	}
	return cd, nil
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
			if _, ok := candleMinutes[pc.Extra]; pc.Extra != "" && !ok {
				return nil, fmt.Errorf("gopax candles: unsupported interval %q", pc.Extra)
			}
			ts, err = poller.PerSymbol(exchangeName, action, pc, func(ctx context.Context, m models.Market, pc config.PollConfig) (interface{}, error) {
				return r.Candles(ctx, m, pc.Extra, pc.Limit)
			})
		default:
			err = fmt.Errorf("gopax %s: %w", pc.Stream, poller.ErrUnsupportedStream)
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, ts...)
	}
	return tasks, nil
}
