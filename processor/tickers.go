package processor

import (
	"sort"
	"sync"

	"cryptofeed/models"
)

// TickerCache holds the latest ticker per exchange and symbol. The
// dispatcher is the only writer.
type TickerCache struct {
	mu      sync.RWMutex
	tickers map[string]*models.Ticker
}

func NewTickerCache() *TickerCache {
	return &TickerCache{tickers: make(map[string]*models.Ticker)}
}

func tickerKey(exchange, symbol string) string { return exchange + "|" + symbol }

// Put stores t unless a newer ticker for the same market is already cached.
func (c *TickerCache) Put(t *models.Ticker) bool {
	k := tickerKey(t.Exchange, t.Symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.tickers[k]; ok && old.Timestamp > t.Timestamp {
		return false
	}
	cp := *t
	c.tickers[k] = &cp
	return true
}

func (c *TickerCache) Get(exchange, symbol string) (*models.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[tickerKey(exchange, symbol)]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// LastPrice is the close of the cached ticker, or 0.
func (c *TickerCache) LastPrice(exchange, symbol string) float64 {
	t, ok := c.Get(exchange, symbol)
	if !ok {
		return 0
	}
	return t.Result.Close
}

// All returns copies of every ticker, optionally for one exchange, ordered
// by exchange then symbol.
func (c *TickerCache) All(exchange string) []*models.Ticker {
	c.mu.RLock()
	out := make([]*models.Ticker, 0, len(c.tickers))
	for _, t := range c.tickers {
		if exchange != "" && t.Exchange != exchange {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (c *TickerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tickers)
}
