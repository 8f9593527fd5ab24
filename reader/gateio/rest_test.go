package gateio

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

func TestRESTAggregatedTickers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/spot/tickers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[{"currency_pair":"ETH_USDT","last":"2000","change_percentage":"0"},{"currency_pair":"BTC_USDT","last":"30000","change_percentage":"0"},{"currency_pair":"GT_USDT","last":"5"}]`))
	}))
	defer srv.Close()
	r := NewREST(restclient.New(exchangeName, srv.URL))

	tasks, err := r.Tasks([]config.PollConfig{{Stream: models.ChannelTicker, Interval: time.Second, Symbols: []string{"BTC/USDT", "ETH/USDT"}}})
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one aggregated task, got %d", len(tasks))
	}
	res, err := tasks[0].Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res) != 2 || res[0].Symbol != "BTC/USDT" || res[1].Record.(*models.Ticker).Result.Close != 2000 {
		t.Fatalf("unexpected results %+v", res)
	}
}

func TestRESTOrderBookAndCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/spot/order_book":
			if r.URL.Query().Get("with_id") != "true" {
				t.Errorf("missing with_id")
			}
			w.Write([]byte(`{"id":123,"current":1700000000000,"update":1700000000000,"asks":[["101","2"]],"bids":[["99","1"]]}`))
		case "/api/v4/spot/candlesticks":
			w.Write([]byte(`[["1700000000","15","2","3","0.5","1","10","true"]]`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"label":"TOO_MANY_REQUESTS"}`))
		}
	}))
	defer srv.Close()
	r := NewREST(restclient.New(exchangeName, srv.URL))
	btc := models.MustParseMarket("BTC/USDT")

	ob, err := r.OrderBook(context.Background(), btc, 10)
	if err != nil {
		t.Fatalf("orderbook: %v", err)
	}
	if ob.Sequence != 123 || ob.Result.Asks[0].Quantity != 2 {
		t.Fatalf("unexpected book %+v", ob)
	}

	cd, err := r.Candles(context.Background(), btc, "1m", 1)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	if it := cd.Result[0]; it.Open != 1 || it.Close != 2 || it.Volume != 10 || !it.IsClosed {
		t.Fatalf("unexpected candle %+v", it)
	}

	if _, err := r.Trades(context.Background(), btc, 5); !restclient.IsRateLimited(exchangeName, err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}
