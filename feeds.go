package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"cryptofeed/config"
	"cryptofeed/internal/channel"
	"cryptofeed/internal/dashboard"
	"cryptofeed/internal/poller"
	"cryptofeed/internal/ws"
	"cryptofeed/logger"
	"cryptofeed/models"
	"cryptofeed/processor"
	"cryptofeed/reader"
	"cryptofeed/writer"
)

type stopper interface {
	Stop()
}

type sinkSet []stopper

func (s sinkSet) stop() {
	for i := len(s) - 1; i >= 0; i-- {
		s[i].Stop()
	}
}

// startSinks attaches the configured writers to the dispatcher.
func startSinks(ctx context.Context, cfg *config.Config, d *processor.Dispatcher) (sinkSet, error) {
	log := logger.GetLogger().WithComponent("main")
	var sinks sinkSet

	if cfg.Storage.S3.Enabled {
		client, err := writer.NewS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		sw := writer.NewSnapshotWriter(client, cfg)
		sw.Attach(d)
		if err := sw.Start(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, sw)
	} else {
		log.Info("S3 storage disabled; skipping snapshot writer")
	}

	if cfg.Storage.Kafka.Enabled {
		kw, err := writer.NewKafkaWriter(cfg)
		if err != nil {
			sinks.stop()
			return nil, err
		}
		kw.Attach(d)
		if err := kw.Start(ctx); err != nil {
			sinks.stop()
			return nil, err
		}
		sinks = append(sinks, kw)
	}

	if cfg.Writer.LogSink.Enabled {
		writer.NewLogSink(cfg.Writer.LogSink.SampleEvery).Attach(d)
	}
	return sinks, nil
}

// startFeeds creates one websocket client and one poller per exchange and
// source IP. Clients connect in the background so one unreachable venue
// does not hold up the rest.
func startFeeds(ctx context.Context, cfg *config.Config, shards *config.IPShards, q *channel.Queue, status *dashboard.Server, wg *sync.WaitGroup) []*ws.Client {
	log := logger.GetLogger().WithComponent("main")
	var clients []*ws.Client

	for _, name := range cfg.EnabledExchanges() {
		ex := cfg.Exchanges[name]
		groups := shards.ShardFor(name, wantedSymbols(ex))
		ips := make([]string, 0, len(groups))
		for ip := range groups {
			ips = append(ips, ip)
		}
		sort.Strings(ips)

		for _, ip := range ips {
			sc := shardExchange(ex, groups[ip])
			fields := logger.Fields{"exchange": name, "local_ip": ip, "symbols": len(groups[ip])}

			if hasStreams(sc.Streams) {
				p, err := reader.NewProcessor(name, sc)
				if err != nil {
					log.WithFields(fields).WithError(err).Warn("skipping exchange")
					continue
				}
				client := ws.NewClient(p, cfg.WebSocket, ip)
				processor.Attach(ctx, client, q)
				if status != nil {
					status.TrackConnection(client)
				}
				clients = append(clients, client)

				probe := cfg.Provider().Section("exchanges."+name+".options").Duration("data_timeout", 0)
				wg.Add(1)
				go func(client *ws.Client, streams config.StreamsConfig) {
					defer wg.Done()
					if err := connectWithRetry(ctx, client, cfg.WebSocket.Reconnect); err != nil {
						return
					}
					subscribeStreams(client, streams)
					if probe <= 0 {
						return
					}
					if err := client.WaitForData(ctx, probe); err != nil && ctx.Err() == nil {
						log.WithFields(fields).WithError(err).Warn("no market data after subscribing")
					}
				}(client, sc.Streams)
			}

			tasks, err := reader.PollTasks(ctx, name, sc, cfg.Reader, ip)
			if err != nil {
				log.WithFields(fields).WithError(err).Warn("polling disabled")
				continue
			}
			if len(tasks) == 0 {
				continue
			}
			pl := poller.New(q, cfg.Polling)
			if status != nil {
				status.TrackPoller(pl)
			}
			wg.Add(1)
			go func(tasks []poller.Task) {
				defer wg.Done()
				if err := pl.Run(ctx, tasks...); err != nil {
					log.WithFields(fields).WithError(err).Error("poller stopped")
				}
			}(tasks)
			log.WithFields(fields).WithField("tasks", len(tasks)).Info("polling started")
		}
	}
	return clients
}

// connectWithRetry retries the first dial; later drops are handled by the
// client's own reconnect loop.
func connectWithRetry(ctx context.Context, client *ws.Client, rc config.ReconnectConfig) error {
	b := &backoff.Backoff{Min: rc.Min, Max: rc.Max, Factor: rc.Factor, Jitter: rc.Jitter}
	for {
		err := client.Connect(ctx)
		if err == nil || errors.Is(err, ws.ErrClosed) || ctx.Err() != nil {
			return err
		}
		delay := b.Duration()
		logger.GetLogger().WithComponent("main").WithFields(logger.Fields{
			"exchange": client.Exchange(),
			"retry_in": delay.String(),
		}).WithError(err).Warn("initial connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func subscribeStreams(client *ws.Client, st config.StreamsConfig) {
	log := logger.GetLogger().WithComponent("main").WithFields(logger.Fields{"exchange": client.Exchange()})
	try := func(channel, symbol string, fn func(models.Market) error) {
		m, err := models.ParseMarket(symbol)
		if err == nil {
			err = fn(m)
		}
		if err != nil {
			log.WithFields(logger.Fields{"channel": channel, "symbol": symbol}).WithError(err).Warn("subscribe failed")
		}
	}
	for _, s := range st.Orderbook {
		try(models.ChannelOrderbook, s, client.SubscribeOrderbook)
	}
	for _, s := range st.Trades {
		try(models.ChannelTrades, s, client.SubscribeTrades)
	}
	for _, s := range st.Ticker {
		try(models.ChannelTicker, s, client.SubscribeTicker)
	}
	for _, s := range st.Candles.Symbols {
		try(models.ChannelCandles, s, func(m models.Market) error {
			return client.SubscribeCandles(m, st.Candles.Interval)
		})
	}
}

func hasStreams(st config.StreamsConfig) bool {
	return len(st.Orderbook)+len(st.Trades)+len(st.Ticker)+len(st.Candles.Symbols) > 0
}

// wantedSymbols is every symbol an exchange streams or polls.
func wantedSymbols(ex config.ExchangeConfig) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(list []string) {
		for _, s := range list {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	add(ex.Streams.Orderbook)
	add(ex.Streams.Trades)
	add(ex.Streams.Ticker)
	add(ex.Streams.Candles.Symbols)
	for _, pc := range ex.Polling {
		add(pc.Symbols)
	}
	return out
}

// shardExchange narrows ex to the symbols assigned to one shard.
func shardExchange(ex config.ExchangeConfig, symbols []string) config.ExchangeConfig {
	keep := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		keep[s] = struct{}{}
	}
	filter := func(list []string) []string {
		var out []string
		for _, s := range list {
			if _, ok := keep[s]; ok {
				out = append(out, s)
			}
		}
		return out
	}
	out := ex
	out.Streams.Orderbook = filter(ex.Streams.Orderbook)
	out.Streams.Trades = filter(ex.Streams.Trades)
	out.Streams.Ticker = filter(ex.Streams.Ticker)
	out.Streams.Candles.Symbols = filter(ex.Streams.Candles.Symbols)
	out.Polling = nil
	for _, pc := range ex.Polling {
		if pc.Symbols = filter(pc.Symbols); len(pc.Symbols) > 0 {
			out.Polling = append(out.Polling, pc)
		}
	}
	return out
}
