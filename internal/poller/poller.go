// Package poller runs REST fetchers on a drift-corrected schedule and feeds
// their normalized records into the dispatch queue.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/metrics"
	ratemetrics "cryptofeed/internal/metrics/rate"
	"cryptofeed/internal/restclient"
	"cryptofeed/logger"
	"cryptofeed/models"
)

const (
	DefaultSlice    = 20 * time.Millisecond
	DefaultCooldown = time.Second
)

// Result is one normalized record returned by a fetch.
type Result struct {
	Symbol string
	Record interface{}
}

type FetchFunc func(ctx context.Context) ([]Result, error)

// Task polls one REST resource. A single fetch may return records for many
// symbols.
type Task struct {
	Exchange string
	Stream   string
	Action   string
	Interval time.Duration
	Fetch    FetchFunc
}

func (t Task) name() string {
	return t.Exchange + "/" + t.Stream
}

// Sink receives poll results. channel.Queue implements it.
type Sink interface {
	Enqueue(ctx context.Context, msg models.QMessage) bool
}

type Stats struct {
	Attempts    int64 `json:"attempts"`
	Successes   int64 `json:"successes"`
	Failures    int64 `json:"failures"`
	RateLimited int64 `json:"rateLimited"`
	Records     int64 `json:"records"`
}

type counters struct {
	attempts    atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	rateLimited atomic.Int64
	records     atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Attempts:    c.attempts.Load(),
		Successes:   c.successes.Load(),
		Failures:    c.failures.Load(),
		RateLimited: c.rateLimited.Load(),
		Records:     c.records.Load(),
	}
}

type Poller struct {
	sink     Sink
	slice    time.Duration
	cooldown time.Duration
	now      func() time.Time
	log      *logger.Log

	total  counters
	mu     sync.RWMutex
	byTask map[string]*counters
}

func New(sink Sink, cfg config.PollingConfig) *Poller {
	p := &Poller{
		sink:     sink,
		slice:    cfg.Slice,
		cooldown: cfg.Cooldown,
		now:      time.Now,
		log:      logger.GetLogger(),
		byTask:   make(map[string]*counters),
	}
	if p.slice <= 0 {
		p.slice = DefaultSlice
	}
	if p.cooldown <= 0 {
		p.cooldown = DefaultCooldown
	}
	return p
}

// Run polls every task on its own goroutine and returns once all of them
// stopped, which happens when ctx is done.
func (p *Poller) Run(ctx context.Context, tasks ...Task) error {
	for _, t := range tasks {
		if t.Interval <= 0 {
			return fmt.Errorf("poll task %s: interval must be positive", t.name())
		}
		if t.Fetch == nil {
			return fmt.Errorf("poll task %s: missing fetch", t.name())
		}
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			p.loop(ctx, t)
		}(t)
	}
	wg.Wait()
	return nil
}

func (p *Poller) Stats() Stats {
	return p.total.snapshot()
}

// TaskStats returns counters per "exchange/stream".
func (p *Poller) TaskStats() map[string]Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Stats, len(p.byTask))
	for k, c := range p.byTask {
		out[k] = c.snapshot()
	}
	return out
}

func (p *Poller) countersFor(t Task) *counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byTask[t.name()]
	if !ok {
		c = &counters{}
		p.byTask[t.name()] = c
	}
	return c
}

// loop fetches once per interval bucket counted from the loop's start, so
// slow requests never shift the schedule.
func (p *Poller) loop(ctx context.Context, t Task) {
	log := p.log.WithComponent("poller").WithFields(logger.Fields{
		"exchange": t.Exchange,
		"stream":   t.Stream,
		"interval": t.Interval.String(),
	})
	log.Info("poll task started")
	defer log.Info("poll task stopped")

	tc := p.countersFor(t)
	anchor := p.now()
	lastBucket := int64(-1)

	for {
		if ctx.Err() != nil {
			return
		}
		bucket := int64(p.now().Sub(anchor) / t.Interval)
		if bucket == lastBucket {
			if sleep(ctx, p.slice) {
				return
			}
			continue
		}
		lastBucket = bucket

		p.total.attempts.Add(1)
		tc.attempts.Add(1)
		logger.IncrementCounter(logger.CounterPolls, 1)

		start := p.now()
		results, err := t.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if restclient.IsRateLimited(t.Exchange, err) {
				p.total.rateLimited.Add(1)
				tc.rateLimited.Add(1)
				metrics.PollRequests.WithLabelValues(t.Exchange, t.Stream, "rate_limited").Inc()
				ratemetrics.ReportRateLimitExceeded(p.log, t.Exchange, "", "", t.Stream)
				log.WithError(err).WithFields(logger.Fields{"cooldown_ms": p.cooldown.Milliseconds()}).Warn("rate limited, cooling down")
				if sleep(ctx, p.cooldown) {
					return
				}
				continue
			}
			p.total.failures.Add(1)
			tc.failures.Add(1)
			metrics.PollRequests.WithLabelValues(t.Exchange, t.Stream, "error").Inc()
			log.WithError(err).Warn("poll failed")
			continue
		}

		p.total.successes.Add(1)
		tc.successes.Add(1)
		metrics.PollRequests.WithLabelValues(t.Exchange, t.Stream, "ok").Inc()
		logger.LogPerformanceEntry(log, "poller", "fetch", p.now().Sub(start), logger.Fields{"records": len(results)})
		p.emit(ctx, t, tc, results)
	}
}

func (p *Poller) emit(ctx context.Context, t Task, tc *counters, results []Result) {
	for _, r := range results {
		if r.Record == nil {
			continue
		}
		msg, err := models.NewQMessage(models.CommandPolling, t.Exchange, t.Stream, t.Action, r.Record)
		if err != nil {
			p.log.WithComponent("poller").WithError(err).Warn("failed to encode poll result")
			continue
		}
		msg.Symbol = r.Symbol
		if p.sink.Enqueue(ctx, msg) {
			p.total.records.Add(1)
			tc.records.Add(1)
		}
	}
}

// sleep waits for d and reports whether ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
