package okx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/restclient"
	"cryptofeed/models"
)

func newTestREST(t *testing.T, handler http.HandlerFunc) *REST {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewREST(restclient.New(exchangeName, srv.URL))
}

func TestRESTOrderBook(t *testing.T) {
	r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/v5/market/books" || req.URL.Query().Get("instId") != "BTC-USDT" || req.URL.Query().Get("sz") != "5" {
			t.Errorf("unexpected request %s", req.URL)
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[{"asks":[["101","2","0","1"]],"bids":[["99","1","0","1"]],"ts":"1700000000000","seqId":7}]}`))
	})
	ob, err := r.OrderBook(context.Background(), models.MustParseMarket("BTC/USDT"), 5)
	if err != nil {
		t.Fatalf("orderbook: %v", err)
	}
	if ob.Action != models.ActionSnapshot || ob.Result.Asks[0].Price != 101 || ob.Sequence != 7 {
		t.Fatalf("unexpected book %+v", ob)
	}
}

func TestRESTErrorCode(t *testing.T) {
	r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"code":"50011","msg":"Too Many Requests","data":[]}`))
	})
	_, err := r.Trades(context.Background(), models.MustParseMarket("BTC/USDT"), 10)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !restclient.IsRateLimited(exchangeName, err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestRESTTasks(t *testing.T) {
	r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/v5/market/tickers":
			w.Write([]byte(`{"code":"0","data":[{"instId":"ETH-USDT","last":"2000","ts":"1700000000000"},{"instId":"BTC-USDT","last":"30000","ts":"1700000000000"},{"instId":"XRP-USDT","last":"1"}]}`))
		case "/api/v5/market/candles":
			if req.URL.Query().Get("bar") != "1H" {
				t.Errorf("unexpected bar %s", req.URL.Query().Get("bar"))
			}
			w.Write([]byte(`{"code":"0","data":[["1700000000000","1","2","0.5","1.5","10","15","15","0"]]}`))
		default:
			http.NotFound(w, req)
		}
	})

	tasks, err := r.Tasks([]config.PollConfig{
		{Stream: models.ChannelTicker, Interval: time.Second, Symbols: []string{"BTC/USDT", "ETH/USDT"}},
		{Stream: models.ChannelCandles, Interval: time.Minute, Symbols: []string{"BTC/USDT"}, Extra: "1h"},
	})
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	res, err := tasks[0].Fetch(context.Background())
	if err != nil {
		t.Fatalf("ticker fetch: %v", err)
	}
	if len(res) != 2 || res[0].Symbol != "BTC/USDT" || res[1].Symbol != "ETH/USDT" {
		t.Fatalf("unexpected ticker results %+v", res)
	}
	if tk := res[0].Record.(*models.Ticker); tk.Result.Close != 30000 {
		t.Fatalf("unexpected ticker %+v", tk)
	}

	res, err = tasks[1].Fetch(context.Background())
	if err != nil {
		t.Fatalf("candle fetch: %v", err)
	}
	if cd := res[0].Record.(*models.Candle); cd.Interval != "1h" || cd.Result[0].IsClosed {
		t.Fatalf("unexpected candle %+v", cd)
	}

	_, err = r.Tasks([]config.PollConfig{{Stream: "funding", Interval: time.Second, Symbols: []string{"BTC/USDT"}}})
	if !errors.Is(err, poller.ErrUnsupportedStream) {
		t.Fatalf("expected unsupported stream, got %v", err)
	}
}
