package kucoin

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

func TestRESTTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/market/orderbook/level2_20":
			w.Write([]byte(`{"code":"200000","data":{"sequence":"3262786978","time":1700000000000,"bids":[["99","1"],["98","1"]],"asks":[["101","2"]]}}`))
		case "/api/v1/market/allTickers":
			w.Write([]byte(`{"code":"200000","data":{"time":1700000000000,"ticker":[{"symbol":"BTC-USDT","buy":"109","sell":"111","changePrice":"10","changeRate":"0.1","last":"110","vol":"10","volValue":"1050"}]}}`))
		case "/api/v1/market/candles":
			w.Write([]byte(`{"code":"200000","data":[["1700000060","2","3","4","1","5","6"],["1700000000","1","2","3","0.5","10","15"]]}`))
		default:
			w.Write([]byte(`{"code":"429000","msg":"Too Many Requests"}`))
		}
	}))
	defer srv.Close()
	r := NewREST(restclient.New(exchangeName, srv.URL))

	tasks, err := r.Tasks([]config.PollConfig{
		{Stream: models.ChannelOrderbook, Interval: time.Second, Limit: 1, Symbols: []string{"BTC/USDT"}},
		{Stream: models.ChannelTicker, Interval: time.Second, Symbols: []string{"BTC/USDT", "ETH/USDT"}},
		{Stream: models.ChannelCandles, Interval: time.Minute, Symbols: []string{"BTC/USDT"}},
		{Stream: models.ChannelTrades, Interval: time.Second, Symbols: []string{"BTC/USDT"}},
	})
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}

	res, err := tasks[0].Fetch(context.Background())
	if err != nil {
		t.Fatalf("orderbook: %v", err)
	}
	ob := res[0].Record.(*models.OrderBook)
	if len(ob.Result.Bids) != 1 || ob.Sequence != 3262786978 {
		t.Fatalf("unexpected book %+v", ob)
	}

	res, err = tasks[1].Fetch(context.Background())
	if err != nil {
		t.Fatalf("tickers: %v", err)
	}
	if len(res) != 1 || res[0].Record.(*models.Ticker).Result.Open != 100 {
		t.Fatalf("unexpected tickers %+v", res)
	}

	res, err = tasks[2].Fetch(context.Background())
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	cd := res[0].Record.(*models.Candle)
	if cd.Result[0].OpenTime != 1700000000000 || !cd.Result[0].IsClosed {
		t.Fatalf("unexpected candles %+v", cd.Result)
	}

	if _, err := tasks[3].Fetch(context.Background()); !restclient.IsRateLimited(exchangeName, err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}
