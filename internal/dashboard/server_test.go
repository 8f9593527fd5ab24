package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cryptofeed/config"
	"cryptofeed/internal/orderbook"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/series"
	"cryptofeed/internal/ws"
	"cryptofeed/logger"
	"cryptofeed/models"
	"cryptofeed/processor"
)

type fakeConn struct {
	exchange string
	state    ws.State
}

func (f fakeConn) Exchange() string { return f.exchange }
func (f fakeConn) LocalIP() string  { return "10.0.0.1" }
func (f fakeConn) State() ws.State  { return f.state }
func (f fakeConn) Stats() ws.Stats  { return ws.Stats{State: f.state.String(), Frames: 42} }
func (f fakeConn) Subscriptions() []models.SubscriptionInfo {
	return []models.SubscriptionInfo{{Channel: models.ChannelOrderbook, Symbol: models.MustParseMarket("BTC/USDT"), Active: true}}
}

type fakePoller map[string]poller.Stats

func (f fakePoller) TaskStats() map[string]poller.Stats { return f }

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{}, nil)
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000"}, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	t.Cleanup(srv.cleanup)
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q", got)
	}
	router, err := srv.Router()
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return srv, router
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec.Code, body
}

func TestHealthReflectsConnectionState(t *testing.T) {
	srv, h := newTestServer(t)
	if code, _ := get(t, h, "/healthz"); code != http.StatusOK {
		t.Fatalf("expected 200 with no connections, got %d", code)
	}

	srv.TrackConnection(fakeConn{exchange: "okx", state: ws.StateStreaming})
	srv.TrackConnection(fakeConn{exchange: "huobi", state: ws.StateReconnecting})
	code, body := get(t, h, "/healthz")
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("unexpected health %d %v", code, body)
	}

	_, body = get(t, h, "/api/connections")
	conns := body["connections"].([]interface{})
	first := conns[0].(map[string]interface{})
	if len(conns) != 2 || first["exchange"] != "huobi" || first["subscriptions"].([]interface{})[0] != "orderbook|BTC/USDT" {
		t.Fatalf("unexpected connections %v", conns)
	}
}

func TestBooksEndpoint(t *testing.T) {
	srv, h := newTestServer(t)
	if code, _ := get(t, h, "/api/books?exchange=okx"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before state is set, got %d", code)
	}

	books := orderbook.NewStore(0)
	if _, err := books.Apply(&models.OrderBook{
		Exchange: "okx", Symbol: "BTC/USDT", Action: models.ActionSnapshot, Sequence: 3,
		Result: models.OrderBookResult{
			Asks: []models.OrderBookItem{{Price: 101, Quantity: 1}, {Price: 102, Quantity: 2}},
			Bids: []models.OrderBookItem{{Price: 99, Quantity: 1}, {Price: 98, Quantity: 3}},
		},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	srv.SetState(books, processor.NewTickerCache())

	if code, _ := get(t, h, "/api/books?symbol=BTC/USDT"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for symbol without exchange, got %d", code)
	}
	if code, _ := get(t, h, "/api/books?exchange=okx&depth=x"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad depth, got %d", code)
	}
	if code, _ := get(t, h, "/api/books?exchange=okx&symbol=ETH/USDT"); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown book, got %d", code)
	}

	code, body := get(t, h, "/api/books?exchange=okx&symbol=BTC/USDT&depth=1")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	result := body["result"].(map[string]interface{})
	if len(result["asks"].([]interface{})) != 1 || result["bidSumQty"].(float64) != 1 {
		t.Fatalf("depth not applied: %v", result)
	}

	_, body = get(t, h, "/api/books")
	if len(body["books"].([]interface{})) != 1 {
		t.Fatalf("unexpected books %v", body)
	}
}

func TestTickersEndpoint(t *testing.T) {
	srv, h := newTestServer(t)
	tickers := processor.NewTickerCache()
	tickers.Put(&models.Ticker{Exchange: "upbit", Symbol: "BTC/KRW", Timestamp: 1, Result: models.TickerItem{Close: 5e7}})
	srv.SetState(orderbook.NewStore(0), tickers)

	code, body := get(t, h, "/api/tickers?exchange=upbit&symbol=BTC/KRW")
	if code != http.StatusOK || body["result"].(map[string]interface{})["close"].(float64) != 5e7 {
		t.Fatalf("unexpected ticker %d %v", code, body)
	}
	_, body = get(t, h, "/api/tickers?exchange=upbit")
	if len(body["tickers"].([]interface{})) != 1 {
		t.Fatalf("unexpected tickers %v", body)
	}
}

func TestPollersAndPrometheus(t *testing.T) {
	srv, h := newTestServer(t)
	srv.TrackPoller(fakePoller{"okx/ticker": {Attempts: 3, Successes: 2}})

	_, body := get(t, h, "/api/pollers")
	task := body["tasks"].(map[string]interface{})["okx/ticker"].(map[string]interface{})
	if task["attempts"].(float64) != 3 {
		t.Fatalf("unexpected poller stats %v", body)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "cryptofeed_") {
		t.Fatalf("unexpected /metrics response %d", rec.Code)
	}
}

func TestLogsEndpointCapturesWarnings(t *testing.T) {
	srv, h := newTestServer(t)
	srv.log.SetOutput(&strings.Builder{})
	srv.log.WithComponent("ws").Warn("reconnecting")
	srv.log.WithComponent("ws").Info("connected")

	_, body := get(t, h, "/api/logs")
	logs := body["logs"].([]interface{})
	if len(logs) != 1 || logs[0].(map[string]interface{})["component"] != "ws" {
		t.Fatalf("unexpected logs %v", logs)
	}
}

func TestSeriesEndpoint(t *testing.T) {
	srv, h := newTestServer(t)
	if code, _ := get(t, h, "/api/series?exchange=okx&symbol=BTC/USDT&interval=1m"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without series, got %d", code)
	}
	b := series.NewBuilder(config.SeriesConfig{})
	b.HandleCandle(&models.Candle{Exchange: "okx", Symbol: "BTC/USDT", Interval: "1m", Result: []models.CandleItem{
		{OpenTime: 60000, Close: 1, IsClosed: true},
		{OpenTime: 120000, Close: 2},
	}})
	srv.SetSeries(b)

	if code, _ := get(t, h, "/api/series?exchange=okx"); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	_, body := get(t, h, "/api/series?exchange=okx&symbol=BTC/USDT&interval=1m")
	if len(body["bars"].([]interface{})) != 1 || body["current"].(map[string]interface{})["close"].(float64) != 2 {
		t.Fatalf("unexpected series %v", body)
	}
}
