package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cryptofeed/config"
	"cryptofeed/internal/restclient"
	"cryptofeed/models"
)

func newTestREST(t *testing.T, handler http.HandlerFunc) *REST {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewREST(restclient.New(exchangeName, srv.URL))
}

func TestRESTOrderBookThroughSDK(t *testing.T) {
	r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/fapi/v1/depth" || req.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected request %s", req.URL)
		}
		w.Write([]byte(`{"lastUpdateId":42,"E":1700000000001,"T":1700000000000,"bids":[["99","1"]],"asks":[["101","2"],["102","1"]]}`))
	})
	ob, err := r.OrderBook(context.Background(), models.MustParseMarket("BTC/USDT"), 10)
	if err != nil {
		t.Fatalf("orderbook: %v", err)
	}
	if ob.Sequence != 42 || len(ob.Result.Asks) != 2 || ob.Result.AskSumQty != 3 {
		t.Fatalf("unexpected book %+v", ob)
	}
}

func TestRESTTickersBatched(t *testing.T) {
	r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1m", "40")
		w.Write([]byte(`[{"symbol":"BTCUSDT","lastPrice":"30000","openPrice":"29000","closeTime":1700000000000},{"symbol":"DOGEUSDT","lastPrice":"0.1"}]`))
	})
	tasks, err := r.Tasks([]config.PollConfig{{Stream: models.ChannelTicker, Interval: time.Second, Symbols: []string{"BTC/USDT"}}})
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	res, err := tasks[0].Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res) != 1 || res[0].Record.(*models.Ticker).Result.Close != 30000 {
		t.Fatalf("unexpected results %+v", res)
	}
}

func TestRESTRateLimitedStatus(t *testing.T) {
	r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
	})
	_, err := r.Trades(context.Background(), models.MustParseMarket("BTC/USDT"), 5)
	if !restclient.IsRateLimited(exchangeName, err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	_, err = r.OrderBook(context.Background(), models.MustParseMarket("BTC/USDT"), 5)
	if !restclient.IsRateLimited(exchangeName, err) {
		t.Fatalf("expected sdk rate limit, got %v", err)
	}
}

func TestTuneRateLimit(t *testing.T) {
	r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"rateLimits":[{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":2400}],"symbols":[]}`))
	})
	rps, err := r.TuneRateLimit(context.Background())
	if err != nil {
		t.Fatalf("tune: %v", err)
	}
	if rps != 6.4 {
		t.Fatalf("unexpected rps %v", rps)
	}
}
