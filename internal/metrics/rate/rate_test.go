package rate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	futures "github.com/adshao/go-binance/v2/futures"

	"cryptofeed/logger"
)

func TestReportRateLimitExceeded(t *testing.T) {
	before := logger.CounterValue(logger.CounterRateLimited)
	ReportRateLimitExceeded(logger.GetLogger(), "binance", "BTC/USDT", "127.0.0.1", "orderbook")
	if logger.CounterValue(logger.CounterRateLimited) != before+1 {
		t.Fatalf("expected rate limited counter to increase")
	}
}

func TestReportIPBan(t *testing.T) {
	ReportIPBan(logger.GetLogger(), "binance", "BTC/USDT", "127.0.0.1", "orderbook")
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		rate     bool
		ban      bool
	}{
		{"binance", "Too many requests", true, false},
		{"binance", "<APIError> code=-1003, msg=Way too much request weight used", true, false},
		{"okx", "IP has been blocked for 60 seconds", false, true},
		{"kucoin", "429 Too Many Requests", true, false},
		{"bybit", "IP rate limit reached", false, true},
		{"bybit", "retCode=10006 too many visits", true, false},
		{"gateio", `{"label":"TOO_MANY_REQUESTS"}`, true, false},
		{"upbit", "too_many_requests", true, false},
		{"unknown", "hello world", false, false},
	}
	for _, c := range cases {
		rl, ban := detectLimit(c.exchange, c.msg)
		if rl != c.rate {
			t.Errorf("exchange %s: expected rateLimit %v got %v", c.exchange, c.rate, rl)
		}
		if ban != c.ban {
			t.Errorf("exchange %s: expected ipBan %v got %v", c.exchange, c.ban, ban)
		}
	}
}

func TestReportLimitFromMessage(t *testing.T) {
	log := logger.GetLogger()
	if !ReportLimitFromMessage(log, "okx", "BTC/USDT", "", "ticker", "Too Many Requests") {
		t.Fatalf("expected match")
	}
	if ReportLimitFromMessage(log, "okx", "BTC/USDT", "", "ticker", "ok") {
		t.Fatalf("unexpected match")
	}
	if !IsRateLimited("binance", "IP banned until 1700000000") {
		t.Fatalf("ip ban counts as rate limited")
	}
}

func TestFetchRequestWeightLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"timezone":"UTC","serverTime":1,"rateLimits":[` +
			`{"rateLimitType":"ORDERS","interval":"MINUTE","intervalNum":1,"limit":1200},` +
			`{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":2400}],"symbols":[]}`))
	}))
	defer srv.Close()

	client := futures.NewClient("", "")
	client.BaseURL = srv.URL
	limit, err := FetchRequestWeightLimit(context.Background(), client)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if limit != 2400 {
		t.Fatalf("expected 2400, got %d", limit)
	}
	if rps := RequestsPerSecond(limit, 2); rps != 16 {
		t.Fatalf("expected 16 rps, got %v", rps)
	}
}

func TestReportUsedWeight(t *testing.T) {
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1m", "37")
	ReportUsedWeight(logger.GetLogger(), h, "10.0.0.1")
	ReportUsedWeight(logger.GetLogger(), http.Header{}, "")
}
