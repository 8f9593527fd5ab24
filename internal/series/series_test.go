package series

import (
	"sync"
	"testing"
	"time"

	"cryptofeed/config"
	"cryptofeed/models"
)

type recorder struct {
	mu      sync.Mutex
	bars    []Bar
	lastLen int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnBar(bar Bar, history []Bar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bars = append(r.bars, bar)
	r.lastLen = len(history)
}

func ticker(ts int64, price, volume float64) *models.Ticker {
	return &models.Ticker{Exchange: "okx", Symbol: "BTC/USDT", Timestamp: ts,
		Result: models.TickerItem{Close: price, Volume: volume}}
}

func TestLabel(t *testing.T) {
	cases := map[time.Duration]string{
		time.Minute:      "1m",
		15 * time.Minute: "15m",
		4 * time.Hour:    "4h",
		48 * time.Hour:   "2d",
		90 * time.Second: "1m30s",
	}
	for d, want := range cases {
		if got := Label(d); got != want {
			t.Fatalf("Label(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestTickerBars(t *testing.T) {
	b := NewBuilder(config.SeriesConfig{Interval: time.Minute, History: 2})
	rec := &recorder{}
	b.AddIndicator(rec)

	base := int64(1700000040000) // minute aligned
	b.HandleTicker(ticker(base+1000, 100, 10))
	b.HandleTicker(ticker(base+2000, 105, 12))
	b.HandleTicker(ticker(base+3000, 95, 13))
	b.HandleTicker(ticker(base-1000, 1, 13)) // previous minute, late
	b.HandleTicker(ticker(base+61000, 98, 14))

	if len(rec.bars) != 1 {
		t.Fatalf("expected one closed bar, got %d", len(rec.bars))
	}
	bar := rec.bars[0]
	if bar.OpenTime != base || bar.CloseTime != base+59999 || bar.Open != 100 || bar.High != 105 ||
		bar.Low != 95 || bar.Close != 95 || bar.Volume != 3 || bar.Interval != "1m" {
		t.Fatalf("unexpected bar %+v", bar)
	}
	cur, ok := b.Current("okx", "BTC/USDT", "1m")
	if !ok || cur.Open != 98 || cur.Volume != 1 {
		t.Fatalf("unexpected current bar %+v", cur)
	}

	b.HandleTicker(ticker(base+121000, 99, 14))
	b.HandleTicker(ticker(base+181000, 99, 14))
	if got := b.Bars("okx", "BTC/USDT", "1m"); len(got) != 2 || got[0].OpenTime != base+60000 {
		t.Fatalf("history not bounded: %+v", got)
	}
	if rec.lastLen != 2 {
		t.Fatalf("indicator saw %d bars of history", rec.lastLen)
	}
}

func TestCandleBarsDeduplicate(t *testing.T) {
	b := NewBuilder(config.SeriesConfig{})
	rec := &recorder{}
	b.AddIndicator(rec)

	polled := &models.Candle{Exchange: "gateio", Symbol: "ETH/USDT", Interval: "5m", Result: []models.CandleItem{
		{OpenTime: 0, CloseTime: 299999, Open: 1, High: 2, Low: 1, Close: 2, IsClosed: true},
		{OpenTime: 300000, CloseTime: 599999, Open: 2, High: 3, Low: 2, Close: 3, IsClosed: true},
		{OpenTime: 600000, CloseTime: 899999, Open: 3, High: 3, Low: 3, Close: 3},
	}}
	b.HandleCandle(polled)
	b.HandleCandle(polled)
	if len(rec.bars) != 2 {
		t.Fatalf("repeated poll closed bars twice: %d", len(rec.bars))
	}
	if cur, ok := b.Current("gateio", "ETH/USDT", "5m"); !ok || cur.OpenTime != 600000 {
		t.Fatalf("unexpected open bar %+v", cur)
	}

	b.HandleCandle(&models.Candle{Exchange: "gateio", Symbol: "ETH/USDT", Interval: "5m", Result: []models.CandleItem{
		{OpenTime: 900000, CloseTime: 1199999, Open: 4, High: 4, Low: 4, Close: 4},
	}})
	if len(rec.bars) != 3 || rec.bars[2].OpenTime != 600000 {
		t.Fatalf("superseded open bar not closed: %+v", rec.bars)
	}
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) OnBar(Bar, []Bar) { panic("boom") }

func TestIndicatorPanicIsolated(t *testing.T) {
	b := NewBuilder(config.SeriesConfig{})
	b.AddIndicator(panicky{})
	rec := &recorder{}
	id := b.AddIndicator(rec)

	b.HandleCandle(&models.Candle{Exchange: "okx", Symbol: "BTC/USDT", Interval: "1m", Result: []models.CandleItem{
		{OpenTime: 60000, Close: 1, IsClosed: true},
	}})
	if len(rec.bars) != 1 {
		t.Fatalf("second indicator not called")
	}

	b.RemoveIndicator(id)
	b.HandleCandle(&models.Candle{Exchange: "okx", Symbol: "BTC/USDT", Interval: "1m", Result: []models.CandleItem{
		{OpenTime: 120000, Close: 1, IsClosed: true},
	}})
	if len(rec.bars) != 1 {
		t.Fatalf("removed indicator still called")
	}
}
