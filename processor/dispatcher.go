// Package processor drains the dispatch queue, merges orderbooks into the
// authoritative store and fans normalized records out to downstream
// listeners.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cryptofeed/internal/channel"
	"cryptofeed/internal/fanout"
	"cryptofeed/internal/metrics"
	"cryptofeed/internal/orderbook"
	"cryptofeed/logger"
	"cryptofeed/models"
)

type Stats struct {
	Dispatched int64
	Dropped    int64
	Errors     int64
}

// Dispatcher is the single consumer of a channel.Queue. Messages are
// handled strictly in queue order on one goroutine.
type Dispatcher struct {
	queue   *channel.Queue
	books   *orderbook.Store
	tickers *TickerCache

	onOrderbook *fanout.List[*models.OrderBook]
	onTrade     *fanout.List[*models.Trade]
	onTicker    *fanout.List[*models.Ticker]
	onCandle    *fanout.List[*models.Candle]

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	log     *logger.Log

	dispatched atomic.Int64
	dropped    atomic.Int64
	errors     atomic.Int64
}

func NewDispatcher(queue *channel.Queue, books *orderbook.Store, tickers *TickerCache) *Dispatcher {
	if books == nil {
		books = orderbook.NewStore(0)
	}
	if tickers == nil {
		tickers = NewTickerCache()
	}
	return &Dispatcher{
		queue:       queue,
		books:       books,
		tickers:     tickers,
		onOrderbook: fanout.New[*models.OrderBook]("dispatcher_orderbook"),
		onTrade:     fanout.New[*models.Trade]("dispatcher_trade"),
		onTicker:    fanout.New[*models.Ticker]("dispatcher_ticker"),
		onCandle:    fanout.New[*models.Candle]("dispatcher_candle"),
		log:         logger.GetLogger(),
	}
}

func (d *Dispatcher) Books() *orderbook.Store { return d.books }

func (d *Dispatcher) Tickers() *TickerCache { return d.tickers }

// OnOrderbook receives every materialized book after a merge or republish.
func (d *Dispatcher) OnOrderbook(fn func(*models.OrderBook)) fanout.ID { return d.onOrderbook.Add(fn) }

func (d *Dispatcher) OnTrade(fn func(*models.Trade)) fanout.ID { return d.onTrade.Add(fn) }

func (d *Dispatcher) OnTicker(fn func(*models.Ticker)) fanout.ID { return d.onTicker.Add(fn) }

func (d *Dispatcher) OnCandle(fn func(*models.Candle)) fanout.ID { return d.onCandle.Add(fn) }

func (d *Dispatcher) RemoveListener(id fanout.ID) {
	d.onOrderbook.Remove(id)
	d.onTrade.Remove(id)
	d.onTicker.Remove(id)
	d.onCandle.Remove(id)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Dropped:    d.dropped.Load(),
		Errors:     d.errors.Load(),
	}
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)

	d.log.WithComponent("dispatcher").Info("starting dispatcher")
	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop cancels the consumer and waits for it. Messages still queued are
// left in the queue.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	st := d.Stats()
	d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"dispatched": st.Dispatched,
		"dropped":    st.Dropped,
		"errors":     st.Errors,
	}).Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue.Messages():
			metrics.QueueLength.Set(float64(d.queue.Len()))
			if err := d.Handle(msg); err != nil {
				d.errors.Add(1)
				d.log.WithComponent("dispatcher").WithFields(logger.Fields{
					"exchange": msg.Exchange,
					"stream":   msg.Stream,
					"command":  msg.Command,
					"seq":      msg.SequentialID,
				}).WithError(err).Warn("message dropped")
			}
		}
	}
}

// Handle processes one message synchronously. Drops that are part of
// normal operation, such as empty trades or stale book updates, are not
// errors.
func (d *Dispatcher) Handle(msg models.QMessage) error {
	start := time.Now()
	var err error
	switch msg.Command {
	case models.CommandWebSocket, models.CommandPolling:
		err = d.handleRecord(msg)
	case models.CommandSnapshot:
		err = d.republish(msg)
	case models.CommandReset:
		d.reset(msg)
	default:
		err = fmt.Errorf("unknown command %q", msg.Command)
	}
	if err != nil {
		return err
	}
	d.dispatched.Add(1)
	metrics.MessagesDispatched.WithLabelValues(msg.Exchange, msg.Stream, msg.Command).Inc()
	logger.RecordChannelMessage("dispatch_"+msg.Stream, len(msg.Payload))
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		logger.LogPerformanceEntry(d.log.WithComponent("dispatcher"), "dispatcher", "handle_"+msg.Stream, elapsed, logger.Fields{
			"exchange": msg.Exchange,
		})
	}
	return nil
}

func (d *Dispatcher) handleRecord(msg models.QMessage) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%s %s: empty payload", msg.Command, msg.Stream)
	}
	switch msg.Stream {
	case models.ChannelOrderbook:
		var ob models.OrderBook
		if err := json.Unmarshal(msg.Payload, &ob); err != nil {
			return fmt.Errorf("decode orderbook: %w", err)
		}
		if ob.Action == "" {
			ob.Action = msg.Action
		}
		return d.mergeBook(&ob)
	case models.ChannelTrades:
		var tr models.Trade
		if err := json.Unmarshal(msg.Payload, &tr); err != nil {
			return fmt.Errorf("decode trades: %w", err)
		}
		tr.DropInvalid()
		if len(tr.Result) == 0 {
			d.dropped.Add(1)
			return nil
		}
		d.onTrade.Emit(&tr)
	case models.ChannelTicker:
		var tk models.Ticker
		if err := json.Unmarshal(msg.Payload, &tk); err != nil {
			return fmt.Errorf("decode ticker: %w", err)
		}
		if !d.tickers.Put(&tk) {
			d.dropped.Add(1)
			return nil
		}
		d.onTicker.Emit(&tk)
	case models.ChannelCandles:
		var cd models.Candle
		if err := json.Unmarshal(msg.Payload, &cd); err != nil {
			return fmt.Errorf("decode candles: %w", err)
		}
		if len(cd.Result) == 0 {
			d.dropped.Add(1)
			return nil
		}
		d.onCandle.Emit(&cd)
	default:
		return fmt.Errorf("unknown stream %q", msg.Stream)
	}
	return nil
}

func (d *Dispatcher) mergeBook(ob *models.OrderBook) error {
	book, err := d.books.Apply(ob)
	switch {
	case errors.Is(err, orderbook.ErrUnknownBook):
		d.dropped.Add(1)
		d.log.WithComponent("dispatcher").WithFields(logger.Fields{
			"exchange": ob.Exchange,
			"symbol":   ob.Symbol,
			"sequence": ob.Sequence,
		}).Warn("delta for unknown book dropped")
		return nil
	case errors.Is(err, orderbook.ErrStaleSequence):
		d.dropped.Add(1)
		return nil
	case err != nil:
		return err
	}
	d.onOrderbook.Emit(book)
	return nil
}

// republish re-emits materialized books. An empty symbol covers every book
// of the exchange, and an empty exchange every book.
func (d *Dispatcher) republish(msg models.QMessage) error {
	if msg.Stream != models.ChannelOrderbook {
		return fmt.Errorf("snapshot request for stream %q", msg.Stream)
	}
	if msg.Symbol != "" {
		book, ok := d.books.Get(msg.Exchange, msg.Symbol)
		if !ok {
			d.dropped.Add(1)
			return nil
		}
		d.onOrderbook.Emit(book)
		return nil
	}
	for _, book := range d.books.All(msg.Exchange) {
		d.onOrderbook.Emit(book)
	}
	return nil
}

// reset forgets books so a reconnected feed can re-seed them with a
// sequence that restarted.
func (d *Dispatcher) reset(msg models.QMessage) {
	if msg.Symbol != "" {
		d.books.Remove(msg.Exchange, msg.Symbol)
		return
	}
	n := d.books.RemoveExchange(msg.Exchange)
	d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"exchange": msg.Exchange,
		"books":    n,
	}).Debug("books reset")
}

// RequestReset queues a reset of the books of exchange. An empty symbol
// covers every book of the exchange.
func RequestReset(ctx context.Context, q *channel.Queue, exchange, symbol string) bool {
	msg, _ := models.NewQMessage(models.CommandReset, exchange, models.ChannelOrderbook, "", nil)
	msg.Symbol = symbol
	return q.Enqueue(ctx, msg)
}

// RequestSnapshot queues a republish of the current books for exchange and
// symbol, either of which may be empty.
func RequestSnapshot(ctx context.Context, q *channel.Queue, exchange, symbol string) bool {
	msg, _ := models.NewQMessage(models.CommandSnapshot, exchange, models.ChannelOrderbook, models.ActionSnapshot, nil)
	msg.Symbol = symbol
	return q.Enqueue(ctx, msg)
}
