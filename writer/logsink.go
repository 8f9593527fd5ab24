package writer

import (
	"sync/atomic"

	"cryptofeed/internal/fanout"
	"cryptofeed/logger"
	"cryptofeed/models"
)

// LogSink logs a one-line summary of every Nth record per kind.
type LogSink struct {
	every int64
	seen  [4]atomic.Int64
	log   *logger.Log
}

const (
	kindBook = iota
	kindTrade
	kindTicker
	kindCandle
)

func NewLogSink(sampleEvery int) *LogSink {
	if sampleEvery <= 0 {
		sampleEvery = 1
	}
	return &LogSink{every: int64(sampleEvery), log: logger.GetLogger()}
}

func (s *LogSink) Attach(src Source) []fanout.ID {
	return []fanout.ID{
		src.OnOrderbook(s.HandleOrderbook),
		src.OnTrade(s.HandleTrade),
		src.OnTicker(s.HandleTicker),
		src.OnCandle(s.HandleCandle),
	}
}

func (s *LogSink) sample(kind int) bool {
	return s.seen[kind].Add(1)%s.every == 1%s.every
}

func (s *LogSink) HandleOrderbook(ob *models.OrderBook) {
	if !s.sample(kindBook) {
		return
	}
	fields := logger.Fields{
		"exchange": ob.Exchange,
		"symbol":   ob.Symbol,
		"sequence": ob.Sequence,
		"asks":     len(ob.Result.Asks),
		"bids":     len(ob.Result.Bids),
	}
	if len(ob.Result.Asks) > 0 {
		fields["best_ask"] = ob.Result.Asks[0].Price
	}
	if len(ob.Result.Bids) > 0 {
		fields["best_bid"] = ob.Result.Bids[0].Price
	}
	s.log.WithComponent("log_sink").WithFields(fields).Info("orderbook")
}

func (s *LogSink) HandleTrade(tr *models.Trade) {
	if !s.sample(kindTrade) || len(tr.Result) == 0 {
		return
	}
	last := tr.Result[len(tr.Result)-1]
	s.log.WithComponent("log_sink").WithFields(logger.Fields{
		"exchange": tr.Exchange,
		"symbol":   tr.Symbol,
		"count":    len(tr.Result),
		"price":    last.Price,
		"side":     last.Side,
	}).Info("trades")
}

func (s *LogSink) HandleTicker(tk *models.Ticker) {
	if !s.sample(kindTicker) {
		return
	}
	s.log.WithComponent("log_sink").WithFields(logger.Fields{
		"exchange":   tk.Exchange,
		"symbol":     tk.Symbol,
		"close":      tk.Result.Close,
		"percentage": tk.Result.Percentage,
	}).Info("ticker")
}

func (s *LogSink) HandleCandle(cd *models.Candle) {
	if !s.sample(kindCandle) || len(cd.Result) == 0 {
		return
	}
	last := cd.Result[len(cd.Result)-1]
	s.log.WithComponent("log_sink").WithFields(logger.Fields{
		"exchange": cd.Exchange,
		"symbol":   cd.Symbol,
		"interval": cd.Interval,
		"close":    last.Close,
		"closed":   last.IsClosed,
	}).Info("candle")
}
