// Package restclient is the throttled JSON-over-HTTP client shared by the
// exchange pollers.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cryptofeed/internal/metrics"
	ratemetrics "cryptofeed/internal/metrics/rate"
	"cryptofeed/logger"
)

const maxErrorBody = 512

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Code   int
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// RateLimited reports whether the status is one exchanges use for throttling.
func (e *StatusError) RateLimited() bool {
	switch e.Code {
	case http.StatusForbidden, http.StatusTeapot, http.StatusTooManyRequests:
		return true
	}
	return false
}

// IsRateLimited reports whether err is a throttling response from exchange,
// either by HTTP status or by the wording of the error.
func IsRateLimited(exchange string, err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.RateLimited() {
		return true
	}
	return ratemetrics.IsRateLimited(exchange, err.Error())
}

// Client issues requests against one exchange base URL through a shared
// rate limiter.
type Client struct {
	exchange string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	log      *logger.Log
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRateLimit throttles requests to rps with the given burst. A
// non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func New(exchange, baseURL string, opts ...Option) *Client {
	c := &Client{
		exchange: exchange,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     NewHTTPClient(PoolConfig{}, 10*time.Second, "", ""),
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Exchange() string { return c.exchange }

func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient exposes the underlying client so SDKs can share its transport.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Wait blocks on the rate limiter. SDK-backed fetchers call it before
// issuing their own requests.
func (c *Client) Wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// SetRateLimit replaces the limiter, for venues that publish their budget.
func (c *Client) SetRateLimit(rps float64, burst int) {
	WithRateLimit(rps, burst)(c)
}

// Get performs a GET of path with query params and returns the body and
// response headers.
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, http.Header, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

// GetJSON performs a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	body, _, err := c.Get(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s%s: %w", c.baseURL, path, err)
	}
	return nil
}

// PostJSON posts payload (which may be nil) and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	resp, _, err := c.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode %s%s: %w", c.baseURL, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload []byte) ([]byte, http.Header, error) {
	if err := c.Wait(ctx); err != nil {
		return nil, nil, err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, fmt.Errorf("read %s: %w", u, err)
	}

	c.log.WithComponent("restclient").WithFields(logger.Fields{
		"exchange":    c.exchange,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		se := &StatusError{Method: method, Code: resp.StatusCode, URL: u, Body: snippet}
		outcome := "error"
		if se.RateLimited() {
			outcome = "rate_limited"
		}
		metrics.PollRequests.WithLabelValues(c.exchange, path, outcome).Inc()
		return nil, resp.Header, se
	}
	return body, resp.Header, nil
}

// Retry calls fn up to attempts times with linearly growing delay between
// failures. It stops early when ctx is done or fn returns a rate limit
// error, which callers handle with their own cooldown.
func Retry(ctx context.Context, exchange string, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if IsRateLimited(exchange, err) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay * time.Duration(i+1)):
		}
	}
	return err
}
