package restclient

import (
	"net"
	"net/http"
	"time"
)

const DefaultUserAgent = "curl/8.5.0"

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}

// PoolConfig sizes the idle connection pool of a client.
type PoolConfig struct {
	MaxIdleConns    int
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
}

// NewHTTPClient builds an http.Client with pooled connections, an optional
// local source address and a fixed user agent.
func NewHTTPClient(pool PoolConfig, timeout time.Duration, localIP, userAgent string) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		}
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxConnsPerHost,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if transport.MaxIdleConns <= 0 {
		transport.MaxIdleConns = 100
	}
	if transport.IdleConnTimeout <= 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &http.Client{
		Transport: userAgentTransport{agent: userAgent, base: transport},
		Timeout:   timeout,
	}
}
