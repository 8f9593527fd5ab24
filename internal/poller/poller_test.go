package poller

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/restclient"
	"cryptofeed/models"
)

type memorySink struct {
	mu   sync.Mutex
	msgs []models.QMessage
}

func (s *memorySink) Enqueue(_ context.Context, msg models.QMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *memorySink) all() []models.QMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QMessage(nil), s.msgs...)
}

func tickerResult(symbol string) Result {
	return Result{Symbol: symbol, Record: &models.Ticker{Exchange: "upbit", Symbol: symbol}}
}

func TestRateLimitCooldown(t *testing.T) {
	sink := &memorySink{}
	cooldown := 60 * time.Millisecond
	p := New(sink, config.PollingConfig{Slice: 2 * time.Millisecond, Cooldown: cooldown})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statuses := []int{http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusOK}
	var mu sync.Mutex
	var calls []time.Time
	task := Task{
		Exchange: "upbit",
		Stream:   models.ChannelTicker,
		Interval: 10 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]Result, error) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, time.Now())
			n := len(calls)
			if n > len(statuses) {
				cancel()
				return nil, ctx.Err()
			}
			if statuses[n-1] != http.StatusOK {
				return nil, &restclient.StatusError{Method: http.MethodGet, Code: statuses[n-1]}
			}
			return []Result{tickerResult("BTC/KRW")}, nil
		},
	}

	done := make(chan struct{})
	go func() {
		p.Run(ctx, task)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("poller did not stop")
	}

	msgs := sink.all()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(msgs))
	}
	if msgs[0].Command != models.CommandPolling || msgs[0].Symbol != "BTC/KRW" || msgs[0].Stream != models.ChannelTicker {
		t.Fatalf("unexpected message %+v", msgs[0])
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < 3; i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < cooldown {
			t.Fatalf("attempt %d came %v after a rate limit, want >= %v", i+1, gap, cooldown)
		}
	}
	stats := p.Stats()
	if stats.RateLimited != 2 || stats.Successes != 1 || stats.Records != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAggregatedFetchFansOut(t *testing.T) {
	sink := &memorySink{}
	p := New(sink, config.PollingConfig{Slice: 2 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	task := Task{
		Exchange: "gateio",
		Stream:   models.ChannelTicker,
		Interval: time.Hour,
		Fetch: func(context.Context) ([]Result, error) {
			defer cancel()
			return []Result{tickerResult("BTC/USDT"), tickerResult("ETH/USDT"), {Symbol: "nil"}}, nil
		},
	}
	if err := p.Run(ctx, task); err != nil {
		t.Fatalf("run: %v", err)
	}
	msgs := sink.all()
	if len(msgs) != 2 || msgs[0].Symbol != "BTC/USDT" || msgs[1].Symbol != "ETH/USDT" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if len(msgs[0].Payload) == 0 {
		t.Fatalf("payload not encoded")
	}
}

func TestFetchOncePerBucket(t *testing.T) {
	sink := &memorySink{}
	p := New(sink, config.PollingConfig{Slice: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	count := 0
	task := Task{
		Exchange: "gopax",
		Stream:   models.ChannelTicker,
		Interval: 50 * time.Millisecond,
		Fetch: func(context.Context) ([]Result, error) {
			mu.Lock()
			count++
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		},
	}
	p.Run(ctx, task)
	mu.Lock()
	defer mu.Unlock()
	if count < 2 || count > 3 {
		t.Fatalf("expected one fetch per 50ms bucket, got %d", count)
	}
}

func TestOtherErrorsContinue(t *testing.T) {
	sink := &memorySink{}
	p := New(sink, config.PollingConfig{Slice: time.Millisecond, Cooldown: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	task := Task{
		Exchange: "huobi",
		Stream:   models.ChannelCandles,
		Interval: 5 * time.Millisecond,
		Fetch: func(context.Context) ([]Result, error) {
			calls++
			if calls == 3 {
				cancel()
			}
			return nil, errors.New("connection reset")
		},
	}
	done := make(chan struct{})
	go func() {
		p.Run(ctx, task)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("plain errors must not trigger the cooldown")
	}
	if p.Stats().Failures < 2 {
		t.Fatalf("failures not counted: %+v", p.Stats())
	}
}

func TestCancelDuringCooldown(t *testing.T) {
	p := New(&memorySink{}, config.PollingConfig{Slice: time.Millisecond, Cooldown: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	task := Task{
		Exchange: "binance",
		Stream:   models.ChannelOrderbook,
		Interval: time.Millisecond,
		Fetch: func(context.Context) ([]Result, error) {
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()
			return nil, &restclient.StatusError{Code: http.StatusTeapot}
		},
	}
	start := time.Now()
	p.Run(ctx, task)
	if time.Since(start) > time.Second {
		t.Fatalf("cancellation during cooldown was not prompt")
	}
}

func TestRunValidatesTasks(t *testing.T) {
	p := New(&memorySink{}, config.PollingConfig{})
	if err := p.Run(context.Background(), Task{Exchange: "x", Stream: "y"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
