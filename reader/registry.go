// Package reader wires the per-exchange processors and REST fetchers to
// the shared websocket and polling engines.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cryptofeed/config"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/restclient"
	"cryptofeed/internal/ws"
	"cryptofeed/logger"
	"cryptofeed/reader/binance"
	"cryptofeed/reader/bybit"
	"cryptofeed/reader/gateio"
	"cryptofeed/reader/gopax"
	"cryptofeed/reader/huobi"
	"cryptofeed/reader/kucoin"
	"cryptofeed/reader/okx"
	"cryptofeed/reader/upbit"
)

// ErrUnknownExchange is returned for exchange names with no implementation.
var ErrUnknownExchange = errors.New("unknown exchange")

// Fetcher turns polling entries into poller tasks.
type Fetcher interface {
	Tasks(polls []config.PollConfig) ([]poller.Task, error)
}

type exchange struct {
	processor func(cfg config.ExchangeConfig) ws.Processor
	rest      func(client *restclient.Client) Fetcher
	restURL   string
}

var exchanges = map[string]exchange{
	"binance": {
		processor: func(cfg config.ExchangeConfig) ws.Processor { return binance.NewProcessor(cfg) },
		rest:      func(c *restclient.Client) Fetcher { return binance.NewREST(c) },
		restURL:   binance.DefaultRestURL,
	},
	"bybit": {
		processor: func(cfg config.ExchangeConfig) ws.Processor { return bybit.NewProcessor(cfg) },
		rest:      func(c *restclient.Client) Fetcher { return bybit.NewREST(c) },
		restURL:   bybit.DefaultRestURL,
	},
	"gateio": {
		processor: func(cfg config.ExchangeConfig) ws.Processor { return gateio.NewProcessor(cfg) },
		rest:      func(c *restclient.Client) Fetcher { return gateio.NewREST(c) },
		restURL:   gateio.DefaultRestURL,
	},
	"gopax": {
		processor: func(cfg config.ExchangeConfig) ws.Processor { return gopax.NewProcessor(cfg) },
		rest:      func(c *restclient.Client) Fetcher { return gopax.NewREST(c) },
		restURL:   gopax.DefaultRestURL,
	},
	"huobi": {
		processor: func(cfg config.ExchangeConfig) ws.Processor { return huobi.NewProcessor(cfg) },
		rest:      func(c *restclient.Client) Fetcher { return huobi.NewREST(c) },
		restURL:   huobi.DefaultRestURL,
	},
	"kucoin": {
		processor: func(cfg config.ExchangeConfig) ws.Processor { return kucoin.NewProcessor(cfg) },
		rest:      func(c *restclient.Client) Fetcher { return kucoin.NewREST(c) },
		restURL:   kucoin.DefaultRestURL,
	},
	"okx": {
		processor: func(cfg config.ExchangeConfig) ws.Processor { return okx.NewProcessor(cfg) },
		rest:      func(c *restclient.Client) Fetcher { return okx.NewREST(c) },
		restURL:   okx.DefaultRestURL,
	},
	"upbit": {
		processor: func(cfg config.ExchangeConfig) ws.Processor { return upbit.NewProcessor(cfg) },
		rest:      func(c *restclient.Client) Fetcher { return upbit.NewREST(c) },
		restURL:   upbit.DefaultRestURL,
	},
}

// Exchanges lists the supported exchange names in sorted order.
func Exchanges() []string {
	names := make([]string, 0, len(exchanges))
	for name := range exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProcessor builds the websocket processor for name.
func NewProcessor(name string, cfg config.ExchangeConfig) (ws.Processor, error) {
	ex, ok := exchanges[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownExchange)
	}
	return ex.processor(cfg), nil
}

// NewRESTClient builds the throttled REST client for one exchange and
// source IP.
func NewRESTClient(name string, cfg config.ExchangeConfig, rc config.ReaderConfig, localIP string) (*restclient.Client, error) {
	ex, ok := exchanges[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownExchange)
	}
	return restclient.FromConfig(name, ex.restURL, cfg, rc, localIP), nil
}

// PollTasks builds the REST client and the poll tasks configured for name.
// Binance sizes its limiter from the published request weight first; a
// failure there keeps the configured limit.
func PollTasks(ctx context.Context, name string, cfg config.ExchangeConfig, rc config.ReaderConfig, localIP string) ([]poller.Task, error) {
	if len(cfg.Polling) == 0 {
		return nil, nil
	}
	client, err := NewRESTClient(name, cfg, rc, localIP)
	if err != nil {
		return nil, err
	}
	fetcher := exchanges[name].rest(client)
	if b, ok := fetcher.(*binance.REST); ok && cfg.RateLimit.RequestsPerSecond <= 0 {
		if _, err := b.TuneRateLimit(ctx); err != nil {
			logger.GetLogger().WithComponent("reader").WithFields(logger.Fields{
				"exchange": name,
			}).WithError(err).Warn("request weight discovery failed, keeping configured rate limit")
		}
	}
	return fetcher.Tasks(cfg.Polling)
}
