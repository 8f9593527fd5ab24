package restclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetJSONSendsUserAgentAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != DefaultUserAgent {
			t.Errorf("unexpected user agent %q", ua)
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("missing query: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"price":"42.5"}`))
	}))
	defer srv.Close()

	c := New("binance", srv.URL+"/")
	var out struct {
		Price string `json:"price"`
	}
	if err := c.GetJSON(context.Background(), "/ticker", url.Values{"symbol": {"BTCUSDT"}}, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Price != "42.5" {
		t.Fatalf("unexpected body %+v", out)
	}
}

func TestStatusErrorRateLimited(t *testing.T) {
	for code, want := range map[int]bool{403: true, 418: true, 429: true, 500: false, 404: false} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			w.Write([]byte("nope"))
		}))
		c := New("gateio", srv.URL)
		_, _, err := c.Get(context.Background(), "/x", nil)
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("code %d: expected StatusError, got %v", code, err)
		}
		if se.Code != code || se.Body != "nope" {
			t.Fatalf("unexpected error %+v", se)
		}
		if IsRateLimited("gateio", err) != want {
			t.Errorf("code %d: rate limited = %v, want %v", code, !want, want)
		}
	}
}

func TestIsRateLimitedByMessage(t *testing.T) {
	if !IsRateLimited("bybit", errors.New("retCode 10006: too many visits")) {
		t.Fatalf("expected bybit message to count as rate limit")
	}
	if IsRateLimited("bybit", nil) {
		t.Fatalf("nil error is not rate limited")
	}
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Write([]byte(`{"code":"200000"}`))
	}))
	defer srv.Close()

	var out struct {
		Code string `json:"code"`
	}
	if err := New("kucoin", srv.URL).PostJSON(context.Background(), "/api/v1/bullet-public", nil, &out); err != nil {
		t.Fatalf("post: %v", err)
	}
	if out.Code != "200000" {
		t.Fatalf("unexpected code %q", out.Code)
	}
}

func TestRateLimitThrottles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New("okx", srv.URL, WithRateLimit(20, 1))
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, _, err := c.Get(context.Background(), "/", nil); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("expected throttling, took %v", elapsed)
	}
}

func TestRetry(t *testing.T) {
	var calls int32
	err := Retry(context.Background(), "okx", 3, time.Millisecond, func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %v after %d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), "okx", 5, time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return &StatusError{Code: http.StatusTooManyRequests}
	})
	if err == nil || calls != 1 {
		t.Fatalf("rate limit must stop retries, calls=%d err=%v", calls, err)
	}
}
