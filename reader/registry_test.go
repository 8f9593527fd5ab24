package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/symbols"
	"cryptofeed/models"
)

func TestEveryExchangeHasProcessorAndConverter(t *testing.T) {
	for _, name := range Exchanges() {
		p, err := NewProcessor(name, config.ExchangeConfig{})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("%s: processor reports %q", name, p.Name())
		}
		if _, ok := symbols.For(name); !ok {
			t.Errorf("%s: no symbol converter", name)
		}
	}
	if _, err := NewProcessor("mtgox", config.ExchangeConfig{}); !errors.Is(err, ErrUnknownExchange) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPollTasksUsesConfiguredRestURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/market/books" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"0","data":[{"asks":[["101","1","0","1"]],"bids":[["99","1","0","1"]],"ts":"1700000000000","seqId":1}]}`))
	}))
	defer srv.Close()

	cfg := config.ExchangeConfig{
		RestURL: srv.URL,
		Polling: []config.PollConfig{{Stream: models.ChannelOrderbook, Interval: time.Second, Limit: 5, Symbols: []string{"BTC/USDT", "ETH/USDT"}}},
	}
	tasks, err := PollTasks(context.Background(), "okx", cfg, config.ReaderConfig{Timeout: time.Second}, "")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected a task per symbol, got %d", len(tasks))
	}
	res, err := tasks[0].Fetch(context.Background())
	if err != nil || len(res) != 1 {
		t.Fatalf("fetch: %v %+v", err, res)
	}

	none, err := PollTasks(context.Background(), "okx", config.ExchangeConfig{}, config.ReaderConfig{}, "")
	if err != nil || none != nil {
		t.Fatalf("expected no tasks, got %v %v", none, err)
	}
}
