// Package series builds OHLCV bar history from normalized tickers and
// candles and hands every closed bar to registered indicators. It computes
// no indicators itself.
package series

import (
	"strconv"
	"sync"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/fanout"
	"cryptofeed/logger"
	"cryptofeed/models"
)

type Bar struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"openTime"`
	CloseTime int64   `json:"closeTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Indicator consumes closed bars. history holds the closed bars of the
// same series, oldest first, ending with bar.
type Indicator interface {
	Name() string
	OnBar(bar Bar, history []Bar)
}

type closedBar struct {
	bar     Bar
	history []Bar
}

type series struct {
	closed  []Bar
	current *Bar
	// lastVolume is the previous rolling 24h volume seen on a ticker.
	lastVolume float64
}

// seen reports whether a bar opening at open is already closed.
func (s *series) seen(open int64) bool {
	return len(s.closed) > 0 && open <= s.closed[len(s.closed)-1].OpenTime
}

// Builder keeps one series per exchange, symbol and interval. Ticker driven
// series use the configured interval; candle driven series use the interval
// of the candle stream.
type Builder struct {
	interval time.Duration
	label    string
	history  int

	mu     sync.Mutex
	series map[string]*series

	onBar *fanout.List[closedBar]
	log   *logger.Log
}

func NewBuilder(cfg config.SeriesConfig) *Builder {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	history := cfg.History
	if history <= 0 {
		history = 500
	}
	return &Builder{
		interval: interval,
		label:    Label(interval),
		history:  history,
		series:   make(map[string]*series),
		onBar:    fanout.New[closedBar]("series"),
		log:      logger.GetLogger(),
	}
}

// Label formats d the way exchanges name candle intervals ("1m", "4h", "1d").
func Label(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	}
	return d.String()
}

// Interval is the label of ticker driven series.
func (b *Builder) Interval() string { return b.label }

func (b *Builder) AddIndicator(ind Indicator) fanout.ID {
	return b.onBar.Add(func(c closedBar) { ind.OnBar(c.bar, c.history) })
}

func (b *Builder) RemoveIndicator(id fanout.ID) { b.onBar.Remove(id) }

type source interface {
	OnTicker(fn func(*models.Ticker)) fanout.ID
	OnCandle(fn func(*models.Candle)) fanout.ID
}

func (b *Builder) Attach(src source) []fanout.ID {
	return []fanout.ID{src.OnTicker(b.HandleTicker), src.OnCandle(b.HandleCandle)}
}

func seriesKey(exchange, symbol, interval string) string {
	return exchange + "|" + symbol + "|" + interval
}

func (b *Builder) get(exchange, symbol, interval string) *series {
	k := seriesKey(exchange, symbol, interval)
	s, ok := b.series[k]
	if !ok {
		s = &series{}
		b.series[k] = s
	}
	return s
}

// closeLocked appends bar to s and returns the event to emit once the lock
// is released.
func (b *Builder) closeLocked(s *series, bar Bar) closedBar {
	s.closed = append(s.closed, bar)
	if len(s.closed) > b.history {
		s.closed = append([]Bar(nil), s.closed[len(s.closed)-b.history:]...)
	}
	return closedBar{bar: bar, history: append([]Bar(nil), s.closed...)}
}

func (b *Builder) emit(events []closedBar) {
	for _, ev := range events {
		if panicked := b.onBar.Emit(ev); panicked > 0 {
			b.log.WithComponent("series").WithFields(logger.Fields{
				"exchange": ev.bar.Exchange,
				"symbol":   ev.bar.Symbol,
				"interval": ev.bar.Interval,
				"panicked": panicked,
			}).Warn("indicator panicked")
		}
	}
}

// HandleTicker folds the ticker's last price into the open bar of the
// configured interval. Volume is the growth of the rolling 24h volume
// between consecutive tickers, so it undercounts when that window slides.
func (b *Builder) HandleTicker(t *models.Ticker) {
	price := t.Result.Close
	ts := t.Timestamp
	if price <= 0 || ts <= 0 {
		return
	}
	ms := b.interval.Milliseconds()
	open := ts - ts%ms

	b.mu.Lock()
	s := b.get(t.Exchange, t.Symbol, b.label)
	var events []closedBar
	var volume float64
	if s.lastVolume > 0 && t.Result.Volume > s.lastVolume {
		volume = t.Result.Volume - s.lastVolume
	}
	if t.Result.Volume > 0 {
		s.lastVolume = t.Result.Volume
	}

	cur := s.current
	switch {
	case cur != nil && open < cur.OpenTime:
		b.mu.Unlock()
		return
	case cur != nil && open > cur.OpenTime:
		events = append(events, b.closeLocked(s, *cur))
		cur = nil
	}
	if cur == nil {
		cur = &Bar{
			Exchange:  t.Exchange,
			Symbol:    t.Symbol,
			Interval:  b.label,
			OpenTime:  open,
			CloseTime: open + ms - 1,
			Open:      price,
			High:      price,
			Low:       price,
		}
		s.current = cur
	}
	if price > cur.High {
		cur.High = price
	}
	if price < cur.Low {
		cur.Low = price
	}
	cur.Close = price
	cur.Volume += volume
	b.mu.Unlock()

	b.emit(events)
}

// HandleCandle records exchange candles. Closed candles already in the
// history are ignored, so repeated REST polls do not close a bar twice.
func (b *Builder) HandleCandle(c *models.Candle) {
	if c.Interval == "" || len(c.Result) == 0 {
		return
	}
	var events []closedBar

	b.mu.Lock()
	s := b.get(c.Exchange, c.Symbol, c.Interval)
	for _, it := range c.Result {
		if s.seen(it.OpenTime) {
			continue
		}
		bar := Bar{
			Exchange:  c.Exchange,
			Symbol:    c.Symbol,
			Interval:  c.Interval,
			OpenTime:  it.OpenTime,
			CloseTime: it.CloseTime,
			Open:      it.Open,
			High:      it.High,
			Low:       it.Low,
			Close:     it.Close,
			Volume:    it.Volume,
		}
		if it.IsClosed {
			events = append(events, b.closeLocked(s, bar))
			if s.current != nil && s.current.OpenTime <= bar.OpenTime {
				s.current = nil
			}
			continue
		}
		if s.current != nil && s.current.OpenTime > bar.OpenTime {
			continue
		}
		if s.current != nil && s.current.OpenTime < bar.OpenTime {
			// the stream moved on without a closed frame for the old bar
			events = append(events, b.closeLocked(s, *s.current))
		}
		s.current = &bar
	}
	b.mu.Unlock()

	b.emit(events)
}

// Bars returns the closed bars of a series, oldest first.
func (b *Builder) Bars(exchange, symbol, interval string) []Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[seriesKey(exchange, symbol, interval)]
	if !ok {
		return nil
	}
	return append([]Bar(nil), s.closed...)
}

// Current returns the bar still being built.
func (b *Builder) Current(exchange, symbol, interval string) (Bar, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[seriesKey(exchange, symbol, interval)]
	if !ok || s.current == nil {
		return Bar{}, false
	}
	return *s.current, true
}
