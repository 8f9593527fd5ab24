package restclient

import "cryptofeed/config"

// FromConfig builds the client for one exchange from its section and the
// shared reader settings. defaultURL is used when the section has no
// rest_url.
func FromConfig(exchange, defaultURL string, ex config.ExchangeConfig, rc config.ReaderConfig, localIP string) *Client {
	base := ex.RestURL
	if base == "" {
		base = defaultURL
	}
	pool := PoolConfig{
		MaxIdleConns:    ex.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost: ex.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout: ex.ConnectionPool.IdleConnTimeout,
	}
	limit := ex.RateLimit
	if limit.RequestsPerSecond <= 0 {
		limit = rc.RateLimit
	}
	return New(exchange, base,
		WithHTTPClient(NewHTTPClient(pool, rc.Timeout, localIP, rc.UserAgent)),
		WithRateLimit(limit.RequestsPerSecond, limit.BurstSize),
	)
}
